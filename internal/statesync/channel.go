// Package statesync maintains the persistent push channel to the fleet
// backend. It owns at most one live WebSocket connection, translates inbound
// events into cache mutations, keeps a heartbeat running while open, and
// reconnects on loss. Connection failures are never surfaced to consumers;
// the cache simply goes stale until the channel recovers.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/printdeck/printdeck/internal/cache"
	"github.com/printdeck/printdeck/internal/config"
)

// ConnectionState describes the channel's connection lifecycle.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// Inbound and outbound frame types.
const (
	eventPrinterStatus  = "printer_status"
	eventPrintComplete  = "print_complete"
	eventArchiveCreated = "archive_created"
	eventArchiveUpdated = "archive_updated"
	eventPong           = "pong"
	eventPing           = "ping"
)

// ErrTornDown is returned by Connect after the channel has been shut down.
var ErrTornDown = errors.New("sync channel torn down")

// frame is the wire format in both directions.
type frame struct {
	Type      string         `json:"type"`
	PrinterID any            `json:"printer_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Channel is the state sync channel. Create with New, start with Connect,
// stop with Close.
type Channel struct {
	logger *slog.Logger
	cfg    config.SyncConfig
	url    string
	store  *cache.Store
	dialer *websocket.Dialer

	mu              sync.Mutex
	state           ConnectionState
	conn            *websocket.Conn
	heartbeatCancel context.CancelFunc
	reconnectTimer  *time.Timer
	tornDown        bool
	lastPong        time.Time

	// writeMu serializes writes; gorilla connections do not support
	// concurrent writers.
	writeMu sync.Mutex
}

// New creates a channel targeting the given WebSocket URL that writes into
// store. The channel does not connect until Connect is called.
func New(url string, cfg config.SyncConfig, store *cache.Store, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		logger: logger,
		cfg:    cfg,
		url:    url,
		store:  store,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:  StateClosed,
	}
}

// Connect opens the connection if one is not already open or in progress.
// Calling Connect while open is a no-op. A failed dial schedules the usual
// single reconnect attempt, so one successful Connect call keeps the channel
// alive until Close.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting sync channel", slog.String("url", c.url))

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Warn("sync channel dial failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", c.cfg.ReconnectDelay),
		)
		c.mu.Lock()
		c.state = StateClosed
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("dialing sync channel: %w", err)
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrTornDown
	}
	c.conn = conn
	c.state = StateOpen

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	c.heartbeatCancel = cancel
	c.mu.Unlock()

	c.logger.Info("sync channel open")

	go c.heartbeatLoop(heartbeatCtx)
	go c.readLoop(conn)

	return nil
}

// IsConnected reports whether the channel is currently open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong returns when the backend last acknowledged a heartbeat. Zero if
// no pong has been received since startup.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Send writes a frame if the channel is open; otherwise it is a silent
// no-op. Frames are never queued.
func (c *Channel) Send(v any) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("sync channel write failed", slog.String("error", err.Error()))
	}
}

// Close tears the channel down: cancels any pending reconnect, stops the
// heartbeat, and closes the connection. No reconnects are scheduled after
// Close. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	c.tornDown = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		c.heartbeatCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info("sync channel closed")
	return nil
}

// heartbeatLoop sends a liveness ping at the configured interval for as long
// as the connection remains open.
func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(frame{Type: eventPing})
		}
	}
}

// readLoop consumes frames until the connection fails, then hands off to the
// disconnect path.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.logger.Debug("dropping malformed sync frame", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(f)
	}
}

// dispatch routes one inbound frame. Unrecognized or incomplete frames are
// dropped; nothing here can take the channel down.
func (c *Channel) dispatch(f frame) {
	switch f.Type {
	case eventPrinterStatus:
		id := printerKey(f.PrinterID)
		if id == "" || f.Data == nil {
			c.logger.Debug("dropping printer_status frame with missing fields")
			return
		}
		c.store.Patch(eventPrinterStatus+":"+id, f.Data)

	case eventPrintComplete:
		// A completed print changes the queue, adds an archive, and frees
		// the printer, so all three collections go stale.
		c.store.Invalidate(cache.CollectionPrintQueue, cache.CollectionPrintArchives, cache.CollectionPrinters)

	case eventArchiveCreated, eventArchiveUpdated:
		c.store.Invalidate(cache.CollectionPrintArchives)

	case eventPong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()

	default:
		c.logger.Debug("dropping unrecognized sync frame", slog.String("type", f.Type))
	}
}

// handleDisconnect runs once per connection loss: it stops the heartbeat,
// marks the channel closed, and schedules exactly one reconnect attempt.
func (c *Channel) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		c.heartbeatCancel = nil
	}
	c.conn = nil
	c.state = StateClosed
	tornDown := c.tornDown
	if !tornDown {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = conn.Close()

	if !tornDown {
		c.logger.Warn("sync channel lost, reconnect scheduled",
			slog.String("error", cause.Error()),
			slog.Duration("delay", c.cfg.ReconnectDelay),
		)
	}
}

// scheduleReconnectLocked arms the single reconnect timer. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.tornDown {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
}

// printerKey normalizes the printer_id field, which arrives as either a JSON
// number or a string, into a stable cache key segment.
func printerKey(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
