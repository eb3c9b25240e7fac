package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestYahoo_FetchBatch_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/GC=F"):
			assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"currency":"USD","symbol":"GC=F","regularMarketPrice":2005.3}}],"error":null}}`))
		case strings.HasSuffix(r.URL.Path, "/SI=F"):
			w.WriteHeader(http.StatusTooManyRequests)
		case strings.HasSuffix(r.URL.Path, "/^GSPC"):
			_, _ = w.Write([]byte(`{"chart":`))
		default:
			_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`))
		}
	}))
	defer srv.Close()

	y := NewYahoo(srv.URL+"/chart/", srv.Client(), nil)
	got, err := y.FetchBatch(context.Background(), []string{"GC=F", "SI=F", "^GSPC", "NOPE"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got["GC=F"].Equal(d("2005.3")))
}

func TestYahoo_FetchBatch_AllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	y := NewYahoo(srv.URL+"/", srv.Client(), nil)
	_, err := y.FetchBatch(context.Background(), []string{"GC=F", "SI=F"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))

	_, ok := y.FetchQuote(context.Background(), "GC=F")
	assert.False(t, ok)
}

func TestYahoo_FetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":5123.41}}]}}`))
	}))
	defer srv.Close()

	p, ok := NewYahoo(srv.URL+"/", srv.Client(), nil).FetchQuote(context.Background(), "^GSPC")
	require.True(t, ok)
	assert.True(t, p.Equal(d("5123.41")))
}

func TestCoinGecko_FetchBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bitcoin,ethereum,dogecoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "key", r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":67012.55},"ethereum":{"usd":3401.1},"dogecoin":{"eur":0.1}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(srv.URL, "key", srv.Client(), nil)
	got, err := cg.FetchBatch(context.Background(), []string{"bitcoin", "ethereum", "dogecoin"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got["bitcoin"].Equal(d("67012.55")))
	assert.True(t, got["ethereum"].Equal(d("3401.1")))
}

func TestCoinGecko_MalformedAndNon2xx(t *testing.T) {
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1,2,3]`))
	}))
	defer malformed.Close()
	_, err := NewCoinGecko(malformed.URL, "", malformed.Client(), nil).FetchBatch(context.Background(), []string{"bitcoin"})
	assert.True(t, errors.Is(err, ErrUpstream))

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	cg := NewCoinGecko(limited.URL, "", limited.Client(), nil)
	_, err = cg.FetchBatch(context.Background(), []string{"bitcoin"})
	assert.True(t, errors.Is(err, ErrUpstream))
	_, ok := cg.FetchQuote(context.Background(), "bitcoin")
	assert.False(t, ok)
}

func TestCoinGecko_EmptyRequest(t *testing.T) {
	got, err := NewCoinGecko("http://unused.invalid", "", http.DefaultClient, nil).FetchBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCoinbaseStream_ConsumesTicker(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscriptionMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		for _, id := range sub.ProductIDs {
			_ = conn.WriteJSON(tickerMessage{Type: "ticker", ProductID: id, Price: "67000.50"})
		}
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewCoinbaseStream(wsURL, []string{"BTC-USD"}, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := s.FetchQuote(context.Background(), "BTC-USD")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	got, err := s.FetchBatch(context.Background(), []string{"BTC-USD", "ETH-USD"})
	require.NoError(t, err)
	assert.True(t, got["BTC-USD"].Equal(d("67000.50")))
	_, hasEth := got["ETH-USD"]
	assert.False(t, hasEth)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestCoinbaseStream_BackoffResetsAfterSubscribing(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscriptionMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conns.Add(1)
	}))
	defer srv.Close()

	s := NewCoinbaseStream("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTC-USD"}, time.Minute, nil)
	s.minBackoff = 5 * time.Millisecond
	s.maxBackoff = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Doubling without a reset would need over ten seconds for this many reconnects.
	require.Eventually(t, func() bool {
		return conns.Load() >= 12
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestCoinbaseStream_StaleQuotesAreUnavailable(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewCoinbaseStream("ws://unused", []string{"BTC-USD"}, 30*time.Second, nil)
	s.now = func() time.Time { return now }

	s.handle([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"65000"}`))
	_, ok := s.FetchQuote(context.Background(), "BTC-USD")
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, err := s.FetchBatch(context.Background(), []string{"BTC-USD"})
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestCatalog_DefaultAndParse(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	gold, ok := c.Lookup("gold")
	require.True(t, ok)
	assert.Equal(t, CategoryMetal, gold.Category)
	assert.Equal(t, "GC=F", gold.Tickers["yahoo"])

	btc, ok := c.Lookup("bitcoin")
	require.True(t, ok)
	assert.Equal(t, CategoryCrypto, btc.Category)
	assert.Equal(t, "BTC-USD", btc.Tickers["coinbase"])

	assert.Contains(t, c.IDs(), "sp500")
	assert.Equal(t, []string{"BTC-USD", "ETH-USD", "SOL-USD"}, c.Tickers("coinbase"))
	assert.Empty(t, c.Tickers("nobody"))

	_, err = ParseCatalog([]byte("assets:\n  - id: x\n    category: stocks\n"))
	assert.Error(t, err)
	_, err = ParseCatalog([]byte("assets:\n  - id: x\n    category: metal\n  - id: x\n    category: metal\n"))
	assert.Error(t, err)
	_, err = ParseCatalog([]byte("assets:\n  - name: nameless\n    category: metal\n"))
	assert.Error(t, err)
}

func TestLoadCatalog_FromFile(t *testing.T) {
	path := t.TempDir() + "/assets.yaml"
	require.NoError(t, os.WriteFile(path, []byte("assets:\n  - id: gold\n    category: metal\n    tickers: {yahoo: \"GC=F\"}\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gold"}, c.IDs())

	_, err = LoadCatalog(path + ".missing")
	assert.Error(t, err)
}
