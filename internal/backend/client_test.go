package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/printdeck/printdeck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	return New(config.BackendConfig{
		URL:           url,
		Token:         "secret-token",
		Timeout:       2 * time.Second,
		RetryAttempts: 0,
		RetryDelay:    time.Millisecond,
	}, nil)
}

func TestStartCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/printers/alpha/camera/stream", r.URL.Path)
		assert.Equal(t, "15", r.URL.Query().Get("framerate"))
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stream_url":"http://cam/alpha.mjpeg","width":1280,"height":720}`))
	}))
	defer srv.Close()

	info, err := testClient(srv.URL).StartCapture(context.Background(), "alpha", 15)
	require.NoError(t, err)
	assert.Equal(t, "http://cam/alpha.mjpeg", info.StreamURL)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
}

func TestStartCapture_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).StartCapture(context.Background(), "alpha", 15)
	require.Error(t, err)
}

func TestStartCapture_EmptyStreamURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).StartCapture(context.Background(), "alpha", 15)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty stream URL")
}

func TestFetchSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/printers/beta/camera/snapshot", r.URL.Path)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegdata"))
	}))
	defer srv.Close()

	snap, err := testClient(srv.URL).FetchSnapshot(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegdata"), snap.Data)
	assert.Equal(t, "image/jpeg", snap.ContentType)
}

func TestFetchSnapshot_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchSnapshot(context.Background(), "beta")
	require.Error(t, err)
}

func TestCaptureHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/printers/gamma/camera/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"connected":true,"stalled":true,"frames_received":120}`))
	}))
	defer srv.Close()

	health, err := testClient(srv.URL).CaptureHealth(context.Background(), "gamma")
	require.NoError(t, err)
	assert.True(t, health.Connected)
	assert.True(t, health.Stalled)
	assert.Equal(t, int64(120), health.FramesReceived)
}

func TestStopCapture_FireAndForget(t *testing.T) {
	stops := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		stops <- r.URL.Path
	}))
	defer srv.Close()

	testClient(srv.URL).StopCapture("delta")

	select {
	case path := <-stops:
		assert.Equal(t, "/printers/delta/camera/stop", path)
	case <-time.After(2 * time.Second):
		t.Fatal("stop request never reached the backend")
	}
}

func TestStopCapture_BackendUnreachable(t *testing.T) {
	// Must not panic or block the caller.
	c := New(config.BackendConfig{
		URL:        "http://127.0.0.1:1",
		Timeout:    50 * time.Millisecond,
		RetryDelay: time.Millisecond,
	}, nil)

	done := make(chan struct{})
	go func() {
		c.StopCapture("epsilon")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopCapture blocked the caller")
	}
}

func TestWaitStops_DrainsPendingStops(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		delivered.Add(1)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.StopCapture("alpha")
	c.StopCapture("beta")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitStops(ctx))
	assert.Equal(t, int32(2), delivered.Load())
}

func TestWaitStops_RespectsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(srv.URL)
	c.StopCapture("gamma")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitStops(ctx), context.DeadlineExceeded)
}

func TestWaitStops_NoPendingStops(t *testing.T) {
	c := testClient("http://127.0.0.1:1")
	require.NoError(t, c.WaitStops(context.Background()))
}

func TestEndpointEscapesPrinterID(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"connected":true}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CaptureHealth(context.Background(), "oddly/named")
	require.NoError(t, err)
	assert.Equal(t, "/printers/oddly%2Fnamed/camera/health", path.Load())
}
