package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/printdeck/printdeck/internal/cache"
	"github.com/printdeck/printdeck/internal/http/handlers"
)

func setupEventsRouter(store *cache.Store) *chi.Mux {
	handler := handlers.NewEventsHandler(store, nil, testLogger())
	handler.SetHeartbeatInterval(20 * time.Millisecond)
	router := chi.NewRouter()
	handler.Register(router)
	return router
}

func runSSE(t *testing.T, router *chi.Mux, timeout time.Duration, during func()) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	if during != nil {
		// Give the handler time to subscribe before producing events.
		time.Sleep(30 * time.Millisecond)
		during()
	}
	<-done
	return rec
}

func TestEventsHandler_EstablishesConnection(t *testing.T) {
	store := cache.New(testLogger())
	router := setupEventsRouter(store)

	rec := runSSE(t, router, 100*time.Millisecond, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ":connected\n\n"), "stream should open with a connected comment")
	// With no sync channel wired the initial liveness event reports closed.
	assert.Contains(t, body, "event: sync\n")
	assert.Contains(t, body, `"connected":false`)
}

func TestEventsHandler_EmitsHeartbeats(t *testing.T) {
	store := cache.New(testLogger())
	router := setupEventsRouter(store)

	rec := runSSE(t, router, 120*time.Millisecond, nil)

	assert.Contains(t, rec.Body.String(), ":heartbeat ")
}

func TestEventsHandler_StreamsCacheChanges(t *testing.T) {
	store := cache.New(testLogger())
	router := setupEventsRouter(store)

	rec := runSSE(t, router, 200*time.Millisecond, func() {
		store.Patch("printer_status:7", map[string]any{"nozzle_temp": 212.5})
		store.Invalidate(cache.CollectionPrintQueue)
	})

	body := rec.Body.String()
	assert.Contains(t, body, "event: state\n")
	assert.Contains(t, body, `"printer_status:7"`)
	assert.Contains(t, body, `"nozzle_temp":212.5`)

	assert.Contains(t, body, "event: collection\n")
	assert.Contains(t, body, `"print_queue"`)
}
