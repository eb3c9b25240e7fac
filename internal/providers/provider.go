package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUpstream marks a failed or malformed response from a price source.
var ErrUpstream = errors.New("upstream price source failed")

// Provider is an upstream price source. Tickers are provider specific; the
// asset catalog maps asset ids to them.
//
// Implementations never panic on bad upstream data: a failed quote is simply
// absent from the result.
type Provider interface {
	Name() string
	// FetchQuote returns the latest price for one ticker, false when unavailable.
	FetchQuote(ctx context.Context, ticker string) (decimal.Decimal, bool)
	// FetchBatch returns prices for as many tickers as the source could price.
	// It returns an error wrapping ErrUpstream only when nothing could be priced.
	FetchBatch(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

// HTTPClient describes an HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// UserAgent is sent on every upstream request.
const UserAgent = "price-alert-checker/1.0"

// NewHTTPClient returns an http.Client tuned for many small JSON requests.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
