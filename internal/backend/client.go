// Package backend is the REST client for the printer fleet backend's camera
// capture API. The backend owns the capture processes; this client starts
// them, fetches snapshots, probes capture health, and releases capture
// resources on behalf of viewer sessions.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/printdeck/printdeck/internal/config"
	"github.com/printdeck/printdeck/internal/httpclient"
)

// stopTimeout bounds the detached capture-stop request. It is deliberately
// independent of any caller context so the stop survives request teardown.
const stopTimeout = 5 * time.Second

// maxSnapshotSize caps how much image data a snapshot fetch will buffer.
const maxSnapshotSize = 16 << 20

// CaptureInfo describes a started live capture.
type CaptureInfo struct {
	// StreamURL is the frame-sequence URL clients consume directly.
	StreamURL string `json:"stream_url"`
	// Width and Height are the capture's natural dimensions; zero when the
	// backend does not know them yet.
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CameraHealth is the capture-process health report for one device.
type CameraHealth struct {
	Connected      bool      `json:"connected"`
	Stalled        bool      `json:"stalled"`
	FramesReceived int64     `json:"frames_received"`
	LastFrameAt    time.Time `json:"last_frame_at"`
}

// Snapshot is one still frame.
type Snapshot struct {
	Data        []byte
	ContentType string
}

// Client talks to the fleet backend's camera API.
type Client struct {
	baseURL string
	token   string
	http    *httpclient.Client
	logger  *slog.Logger

	// stops tracks in-flight detached capture-stop requests so shutdown
	// can drain them.
	stops sync.WaitGroup
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.RetryAttempts = cfg.RetryAttempts
	hc.RetryDelay = cfg.RetryDelay
	hc.Logger = logger

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    httpclient.New(hc),
		logger:  logger,
	}
}

// StartCapture asks the backend to start (or reuse) the live capture for a
// device at the target frame rate and returns the stream source.
func (c *Client) StartCapture(ctx context.Context, printerID string, frameRate int) (*CaptureInfo, error) {
	u := c.endpoint(printerID, "stream") + "?framerate=" + strconv.Itoa(frameRate)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building start capture request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("starting capture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("starting capture: backend returned %d", resp.StatusCode)
	}

	var info CaptureInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding capture info: %w", err)
	}
	if info.StreamURL == "" {
		return nil, fmt.Errorf("backend returned empty stream URL")
	}
	return &info, nil
}

// FetchSnapshot fetches one still frame for a device.
func (c *Client) FetchSnapshot(ctx context.Context, printerID string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(printerID, "snapshot"), nil)
	if err != nil {
		return nil, fmt.Errorf("building snapshot request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching snapshot: backend returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("backend returned empty snapshot")
	}

	return &Snapshot{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// CaptureHealth queries the capture-process health for a device.
func (c *Client) CaptureHealth(ctx context.Context, printerID string) (*CameraHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(printerID, "health"), nil)
	if err != nil {
		return nil, fmt.Errorf("building health request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("querying capture health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying capture health: backend returned %d", resp.StatusCode)
	}

	var health CameraHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding capture health: %w", err)
	}
	return &health, nil
}

// StopCapture releases the capture process for a device. Fire-and-forget:
// the request runs on a detached goroutine with its own timeout so it
// completes even when the caller's context is already gone, and delivery
// failures are logged and accepted.
func (c *Client) StopCapture(printerID string) {
	c.stops.Add(1)
	go func() {
		defer c.stops.Done()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(printerID, "stop"), nil)
		if err != nil {
			return
		}

		resp, err := c.do(req)
		if err != nil {
			c.logger.Debug("capture stop not delivered",
				slog.String("printer_id", printerID),
				slog.String("error", err.Error()),
			)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		c.logger.Debug("capture stop delivered",
			slog.String("printer_id", printerID),
			slog.Int("status", resp.StatusCode),
		)
	}()
}

// WaitStops blocks until every in-flight capture-stop request has finished
// or ctx expires. Each stop is bounded by stopTimeout, so the wait cannot
// exceed that by much; callers use this on shutdown so process exit does not
// race stop delivery.
func (c *Client) WaitStops(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.stops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CircuitState exposes the underlying HTTP circuit breaker state for health
// reporting.
func (c *Client) CircuitState() httpclient.CircuitState {
	return c.http.CircuitState()
}

func (c *Client) endpoint(printerID, op string) string {
	return c.baseURL + "/printers/" + url.PathEscape(printerID) + "/camera/" + op
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}
