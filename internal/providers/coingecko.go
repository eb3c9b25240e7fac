package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/internal/logger"
)

// CoinGecko prices crypto assets through the /simple/price endpoint, which
// accepts many ids in one request.
type CoinGecko struct {
	endpoint string
	apiKey   string
	currency string
	client   HTTPClient
	log      *zap.Logger
}

// NewCoinGecko returns a CoinGecko provider quoting in USD.
func NewCoinGecko(endpoint, apiKey string, client HTTPClient, log *zap.Logger) *CoinGecko {
	return &CoinGecko{endpoint: endpoint, apiKey: apiKey, currency: "usd", client: client, log: logger.OrNop(log)}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) FetchQuote(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	m, err := c.FetchBatch(ctx, []string{ticker})
	if err != nil {
		c.log.Warn("CoinGecko quote unavailable", zap.String("ticker", ticker), zap.Error(err))
		return decimal.Zero, false
	}
	p, ok := m[ticker]
	return p, ok
}

func (c *CoinGecko) FetchBatch(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(tickers, ","))
	q.Set("vs_currencies", c.currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: coingecko: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: coingecko: unexpected status code %d", ErrUpstream, resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: coingecko: decode: %w", ErrUpstream, err)
	}

	for _, t := range tickers {
		raw, ok := body[t][c.currency]
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(raw.String())
		if err != nil || !p.IsPositive() {
			c.log.Warn("Ignoring invalid CoinGecko price", zap.String("ticker", t), zap.String("raw", raw.String()))
			continue
		}
		out[t] = p
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: coingecko: no prices for %v", ErrUpstream, tickers)
	}
	return out, nil
}
