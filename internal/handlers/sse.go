package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricealert/internal/cache"
	"pricealert/internal/logger"
	"pricealert/internal/notify"
)

// Hub fans push notifications out to connected SSE clients. It receives
// messages either directly (SendPush, single instance) or from Redis pub/sub
// (Listen, every instance sees every message).
type Hub struct {
	mu        sync.Mutex
	clients   map[chan notify.PushMessage]string // client -> user id
	heartbeat time.Duration
	log       *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[chan notify.PushMessage]string),
		heartbeat: 15 * time.Second,
		log:       logger.OrNop(log),
	}
}

// SendPush delivers msg to the user's connected clients. It never fails;
// a user with no open stream simply misses the message.
func (h *Hub) SendPush(_ context.Context, msg notify.PushMessage) error {
	h.broadcast(msg)
	return nil
}

// Listen relays messages from a Redis subscription until ctx is done.
func (h *Hub) Listen(ctx context.Context, sub *cache.RedisSubscriber) {
	h.log.Info("Starting to listen for push messages from Redis")
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.log.Error("Error receiving message from Redis", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var push notify.PushMessage
		if err := json.Unmarshal([]byte(msg.Payload), &push); err != nil {
			h.log.Error("Error unmarshaling push message", zap.Error(err))
			continue
		}
		h.broadcast(push)
	}
}

// Clients returns the number of open streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg notify.PushMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch, userID := range h.clients {
		if userID != msg.UserID {
			continue
		}
		select {
		case ch <- msg:
		default:
			h.log.Warn("Push message dropped due to slow client", zap.String("user_id", userID))
		}
	}
}

// ServeHTTP streams a user's push notifications as server-sent events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientChan := make(chan notify.PushMessage, 10)
	h.mu.Lock()
	h.clients[clientChan] = userID
	clientCount := len(h.clients)
	h.mu.Unlock()
	h.log.Info("New SSE client connected", zap.String("user_id", userID), zap.Int("total_clients", clientCount))

	defer func() {
		h.mu.Lock()
		delete(h.clients, clientChan)
		clientCount := len(h.clients)
		h.mu.Unlock()
		h.log.Info("SSE client disconnected", zap.String("user_id", userID), zap.Int("total_clients", clientCount))
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-clientChan:
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Error("Failed to marshal push message", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: price-alert\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
