package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/internal/logger"
)

type subscriptionMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// tickerMessage is the subset of a Coinbase "ticker" message we need.
type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
}

type streamQuote struct {
	price decimal.Decimal
	at    time.Time
}

// CoinbaseStream keeps the latest trade price per product from the Coinbase
// exchange websocket feed. Quotes older than maxAge are treated as unavailable,
// so a dead connection degrades into missing prices instead of stale ones.
type CoinbaseStream struct {
	url        string
	products   []string
	maxAge     time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time
	log        *zap.Logger

	mu     sync.RWMutex
	latest map[string]streamQuote
}

// NewCoinbaseStream returns a stream for products (e.g. BTC-USD). Call Run to connect.
func NewCoinbaseStream(wsURL string, products []string, maxAge time.Duration, log *zap.Logger) *CoinbaseStream {
	return &CoinbaseStream{
		url:        wsURL,
		products:   products,
		maxAge:     maxAge,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		now:        time.Now,
		log:        logger.OrNop(log),
		latest:     make(map[string]streamQuote),
	}
}

func (s *CoinbaseStream) Name() string { return "coinbase" }

func (s *CoinbaseStream) FetchQuote(_ context.Context, ticker string) (decimal.Decimal, bool) {
	s.mu.RLock()
	q, ok := s.latest[ticker]
	s.mu.RUnlock()
	if !ok || s.now().Sub(q.at) > s.maxAge {
		return decimal.Zero, false
	}
	return q.price, true
}

func (s *CoinbaseStream) FetchBatch(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p, ok := s.FetchQuote(ctx, t); ok {
			out[t] = p
		}
	}
	if len(out) == 0 && len(tickers) > 0 {
		return nil, fmt.Errorf("%w: coinbase: no fresh quotes for %v", ErrUpstream, tickers)
	}
	return out, nil
}

// Run connects, subscribes and consumes ticker messages until ctx is done,
// reconnecting with exponential backoff capped at 30s. The backoff starts
// over after any connection that got as far as subscribing.
func (s *CoinbaseStream) Run(ctx context.Context) {
	backoff := s.minBackoff
	for {
		subscribed, err := s.consume(ctx)
		if ctx.Err() != nil {
			s.log.Info("Coinbase stream stopped")
			return
		}
		if subscribed {
			backoff = s.minBackoff
		}
		s.log.Warn("Coinbase stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, s.maxBackoff)
	}
}

// consume runs one connection. subscribed reports whether the subscription
// was sent before the connection failed.
func (s *CoinbaseStream) consume(ctx context.Context) (subscribed bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx is canceled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := subscriptionMessage{Type: "subscribe", ProductIDs: s.products, Channels: []string{"ticker"}}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("Subscribed to Coinbase ticker", zap.Strings("products", s.products))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.handle(message)
	}
}

func (s *CoinbaseStream) handle(message []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.log.Debug("Skipping unparseable Coinbase message", zap.Error(err))
		return
	}
	if msg.Type != "ticker" || msg.ProductID == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || !price.IsPositive() {
		return
	}
	// Freshness is measured by receipt time; exchange timestamps can be skewed.
	s.mu.Lock()
	s.latest[msg.ProductID] = streamQuote{price: price, at: s.now()}
	s.mu.Unlock()
}
