package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricealert/internal/aggregator"
	"pricealert/internal/cache"
	"pricealert/internal/checker"
	"pricealert/internal/database"
	"pricealert/internal/models"
	"pricealert/internal/notify"
	"pricealert/internal/providers"
)

type alertEnvelope struct {
	Message string            `json:"message"`
	Data    models.PriceAlert `json:"data"`
}

func newAlertsHandler(t *testing.T) (*AlertsHandler, database.Store) {
	t.Helper()
	catalog, err := providers.DefaultCatalog()
	require.NoError(t, err)
	store := database.NewMemoryStore()
	browse := cache.Local(cache.New[string, string]("browse_test", time.Minute))
	return NewAlertsHandler(store, catalog, browse, nil), store
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createGoldAlert(t *testing.T, h http.Handler) models.PriceAlert {
	t.Helper()
	rec := do(h, http.MethodPost, "/alerts", `{"user_id":"u1","asset_id":"gold","target_price":"2000.5","condition":"above"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env alertEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func TestAlerts_CreateAndGet(t *testing.T) {
	h, _ := newAlertsHandler(t)

	a := createGoldAlert(t, h)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "Gold", a.AssetName)
	assert.Equal(t, "XAU", a.AssetSymbol)
	assert.True(t, a.IsActive)
	assert.True(t, a.TargetPrice.Equal(decimal.RequireFromString("2000.5")))

	rec := do(h, http.MethodGet, "/alerts/"+a.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env alertEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, a.ID, env.Data.ID)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/alerts/missing", "").Code)
}

func TestAlerts_CreateValidation(t *testing.T) {
	h, _ := newAlertsHandler(t)
	for name, body := range map[string]string{
		"bad json":      `{`,
		"unknown asset": `{"user_id":"u1","asset_id":"unobtainium","target_price":"1","condition":"above"}`,
		"bad condition": `{"user_id":"u1","asset_id":"gold","target_price":"1","condition":"sideways"}`,
		"zero target":   `{"user_id":"u1","asset_id":"gold","target_price":"0","condition":"above"}`,
		"no user":       `{"asset_id":"gold","target_price":"1","condition":"above"}`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/alerts", body).Code)
		})
	}
}

func TestAlerts_BrowseIsCachedAndInvalidated(t *testing.T) {
	h, _ := newAlertsHandler(t)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/alerts", "").Code)

	rec := do(h, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)

	createGoldAlert(t, h)

	rec = do(h, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []models.PriceAlert `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Len(t, env.Data, 1, "create must invalidate the cached list")
}

func TestAlerts_PauseActivateDelete(t *testing.T) {
	h, store := newAlertsHandler(t)
	a := createGoldAlert(t, h)

	rec := do(h, http.MethodPost, "/alerts/"+a.ID+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env alertEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Data.IsActive)

	rec = do(h, http.MethodPost, "/alerts/"+a.ID+"/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Data.IsActive)

	_, err := store.MarkTriggered(context.Background(), a.ID, decimal.NewFromInt(2001), time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/alerts/"+a.ID+"/activate", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/alerts/missing/pause", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/alerts/"+a.ID+"/explode", "").Code)

	assert.Equal(t, http.StatusOK, do(h, http.MethodDelete, "/alerts/"+a.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/alerts/"+a.ID, "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodPut, "/alerts/"+a.ID, "").Code)
}

func TestPreferences_GetDefaultsAndPut(t *testing.T) {
	h := NewPreferencesHandler(database.NewMemoryStore(), nil)

	rec := do(h, http.MethodGet, "/preferences/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data models.NotificationPreferences `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Data.EmailEnabled)
	assert.True(t, env.Data.PushEnabled)
	assert.Equal(t, models.DigestInstant, env.Data.DigestFrequency)

	rec = do(h, http.MethodPut, "/preferences/u1",
		`{"email":"u1@example.com","email_enabled":true,"push_enabled":false,"quiet_hours_enabled":true,"quiet_hours_start":"22:00","quiet_hours_end":"07:00","timezone":"Europe/Paris"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "u1", env.Data.UserID)
	assert.False(t, env.Data.PushEnabled)
	assert.Equal(t, "22:00", env.Data.QuietHoursStart)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/preferences/u1",
		`{"quiet_hours_enabled":true,"quiet_hours_start":"25:00","quiet_hours_end":"07:00"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/preferences/u1", `{"digest_frequency":"hourly"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/preferences/", "").Code)
}

type fakeRunner struct {
	res checker.Result
	err error
}

func (f fakeRunner) Run(context.Context) (checker.Result, error) { return f.res, f.err }

func TestCheckHandler(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := do(CheckHandler(fakeRunner{res: checker.Result{Triggered: 2, TriggeredAlerts: []string{"a1", "a2"}, Timestamp: ts}}, nil),
		http.MethodPost, "/api/check-price-alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"triggered":2,"triggeredAlerts":["a1","a2"],"timestamp":"2024-05-01T12:00:00Z"}`, rec.Body.String())

	rec = do(CheckHandler(fakeRunner{res: checker.Result{Timestamp: ts}}, nil), http.MethodGet, "/api/check-price-alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"triggeredAlerts":[]`)

	rec = do(CheckHandler(fakeRunner{err: aggregator.ErrNoPrices}, nil), http.MethodPost, "/api/check-price-alerts", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)

	rec = do(CheckHandler(fakeRunner{err: errors.New("db down")}, nil), http.MethodPost, "/api/check-price-alerts", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(CheckHandler(fakeRunner{}, nil), http.MethodDelete, "/api/check-price-alerts", "").Code)
}

type fakeLimiter struct {
	allowed int
	calls   int
	keys    []string
	err     error
}

func (f *fakeLimiter) Allow(_ context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error) {
	f.calls++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls > f.allowed {
		return &redis_rate.Result{Limit: limit, Allowed: 0, RetryAfter: 2 * time.Second}, nil
	}
	return &redis_rate.Result{Limit: limit, Allowed: 1, Remaining: f.allowed - f.calls}, nil
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	l := &fakeLimiter{allowed: 1}
	h := RateLimit(l, 1, nil)(ok)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/check-price-alerts", "").Code)
	rec := do(h, http.MethodPost, "/api/check-price-alerts", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "ratelimit:/api/check-price-alerts:192.0.2.1", l.keys[0])

	failing := RateLimit(&fakeLimiter{err: errors.New("redis down")}, 1, nil)(ok)
	assert.Equal(t, http.StatusOK, do(failing, http.MethodPost, "/api/check-price-alerts", "").Code)
}

// readEvent returns the next data payload from an SSE stream.
func readEvent(t *testing.T, r *bufio.Reader) notify.PushMessage {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var msg notify.PushMessage
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
			return msg
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, hub *Hub, userID string) *bufio.Reader {
	t.Helper()
	before := hub.Clients()
	resp, err := http.Get(srv.URL + "?user_id=" + userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return hub.Clients() > before }, 2*time.Second, 10*time.Millisecond)
	return bufio.NewReader(resp.Body)
}

func TestHub_StreamsOnlyOwnMessages(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close) // runs after the stream bodies are closed

	u1 := openStream(t, srv, hub, "u1")

	require.NoError(t, hub.SendPush(context.Background(), notify.PushMessage{UserID: "u2", AlertID: "other"}))
	require.NoError(t, hub.SendPush(context.Background(), notify.PushMessage{UserID: "u1", AlertID: "mine", Title: "Price alert: Gold"}))

	msg := readEvent(t, u1)
	assert.Equal(t, "mine", msg.AlertID)
	assert.Equal(t, "Price alert: Gold", msg.Title)
}

func TestHub_RequiresUser(t *testing.T) {
	rec := do(NewHub(nil), http.MethodGet, "/alerts/stream", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHub_RelaysRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := cache.NewRedisSubscriber(ctx, client, notify.PushChannel)
	require.NoError(t, err)
	defer sub.Close()

	hub := NewHub(nil)
	go hub.Listen(ctx, sub)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close) // runs after the stream bodies are closed
	stream := openStream(t, srv, hub, "u1")

	require.NoError(t, notify.NewRedisPush(client).SendPush(ctx, notify.PushMessage{UserID: "u1", AlertID: "a1"}))
	assert.Equal(t, "a1", readEvent(t, stream).AlertID)
}
