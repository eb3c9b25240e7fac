package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/internal/logger"
)

// yahooChartResponse represents the Yahoo Finance Chart API response.
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string      `json:"currency"`
				Symbol             string      `json:"symbol"`
				RegularMarketPrice json.Number `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Yahoo prices futures (metals) and indices through the Yahoo Finance chart API.
// The API serves one symbol per request, so batches fan out with bounded concurrency.
type Yahoo struct {
	baseURL        string
	client         HTTPClient
	maxConcurrency int
	log            *zap.Logger
}

// NewYahoo returns a Yahoo provider. baseURL is the chart endpoint prefix the
// ticker is appended to, e.g. https://query1.finance.yahoo.com/v8/finance/chart/.
func NewYahoo(baseURL string, client HTTPClient, log *zap.Logger) *Yahoo {
	return &Yahoo{baseURL: baseURL, client: client, maxConcurrency: 4, log: logger.OrNop(log)}
}

func (y *Yahoo) Name() string { return "yahoo" }

func (y *Yahoo) FetchQuote(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	p, err := y.fetch(ctx, ticker)
	if err != nil {
		y.log.Warn("Yahoo quote unavailable", zap.String("ticker", ticker), zap.Error(err))
		return decimal.Zero, false
	}
	return p, true
}

func (y *Yahoo) FetchBatch(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
		sem  = make(chan struct{}, y.maxConcurrency)
	)
	for _, t := range tickers {
		wg.Add(1)
		go func(ticker string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ticker, ctx.Err()))
				mu.Unlock()
				return
			}
			p, err := y.fetch(ctx, ticker)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ticker, err))
				return
			}
			out[ticker] = p
		}(t)
	}
	wg.Wait()

	for _, err := range errs {
		y.log.Warn("Yahoo quote unavailable", zap.Error(err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: yahoo: %w", ErrUpstream, errors.Join(errs...))
	}
	return out, nil
}

func (y *Yahoo) fetch(ctx context.Context, ticker string) (decimal.Decimal, error) {
	u := y.baseURL + url.PathEscape(ticker) + "?interval=1d&range=1d"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return decimal.Zero, fmt.Errorf("%w: unexpected status code %d", ErrUpstream, resp.StatusCode)
	}

	var data yahooChartResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %w", ErrUpstream, err)
	}
	if data.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("%w: yahoo api error %s: %s", ErrUpstream, data.Chart.Error.Code, data.Chart.Error.Description)
	}
	if len(data.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("%w: empty chart result", ErrUpstream)
	}
	raw := data.Chart.Result[0].Meta.RegularMarketPrice
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: missing regularMarketPrice", ErrUpstream)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid price %q", ErrUpstream, raw)
	}
	return price, nil
}
