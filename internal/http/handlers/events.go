package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/printdeck/printdeck/internal/cache"
	"github.com/printdeck/printdeck/internal/statesync"
)

// subscriberBuffer sizes each SSE client's change buffer; a slow client
// misses changes rather than blocking cache writers.
const subscriberBuffer = 64

// EventsHandler streams cache changes and sync liveness transitions to UI
// clients over Server-Sent Events.
type EventsHandler struct {
	store             *cache.Store
	sync              *statesync.Channel
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewEventsHandler creates the SSE events handler.
func NewEventsHandler(store *cache.Store, sync *statesync.Channel, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		store:             store,
		sync:              sync,
		logger:            logger,
		heartbeatInterval: 30 * time.Second,
	}
}

// SetHeartbeatInterval overrides the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// Register mounts the raw SSE route. SSE does not fit the typed API layer.
func (h *EventsHandler) Register(router *chi.Mux) {
	router.Get("/api/v1/events", h.handleSSE)
}

type syncEvent struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

func (h *EventsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	changes, unsubscribe := h.store.Subscribe(subscriberBuffer)
	defer unsubscribe()

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Initial comment establishes the connection, followed by the current
	// sync liveness so clients start from a known state.
	fmt.Fprintf(w, ":connected\n\n")
	lastConnected := h.writeSyncEvent(w)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			// Liveness transitions are surfaced on the heartbeat cadence.
			if h.sync != nil && h.sync.IsConnected() != lastConnected {
				lastConnected = h.writeSyncEvent(w)
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("sse heartbeat flush failed, client likely disconnected",
					slog.String("error", err.Error()))
				return
			}

		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := h.writeChange(w, change); err != nil {
				h.logger.Debug("sse event write failed",
					slog.String("type", string(change.Type)),
					slog.String("error", err.Error()))
				return
			}
			if h.sync != nil && h.sync.IsConnected() != lastConnected {
				lastConnected = h.writeSyncEvent(w)
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) writeChange(w http.ResponseWriter, change cache.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshaling change: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Type, data)
	return err
}

func (h *EventsHandler) writeSyncEvent(w http.ResponseWriter) bool {
	connected := false
	state := string(statesync.StateClosed)
	if h.sync != nil {
		connected = h.sync.IsConnected()
		state = string(h.sync.State())
	}
	data, _ := json.Marshal(syncEvent{Connected: connected, State: state})
	fmt.Fprintf(w, "event: sync\ndata: %s\n\n", data)
	return connected
}
