package handlers

import (
	"context"
	"testing"

	"github.com/printdeck/printdeck/internal/backend"
	"github.com/printdeck/printdeck/internal/config"
)

func TestHealthHandler_GetLivez(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetLivez(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Status != 200 {
		t.Errorf("expected status 200, got %d", output.Status)
	}

	if output.Body.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", output.Body.Status)
	}
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	t.Run("ready without a database configured", func(t *testing.T) {
		handler := NewHealthHandler("1.0.0")

		output, err := handler.GetReadyz(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if output.Status != 200 {
			t.Errorf("expected status 200, got %d", output.Status)
		}
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0").
		WithCircuitState(func() string { return "closed" })

	output, err := handler.GetHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", output.Body.Status)
	}

	if output.Body.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", output.Body.Version)
	}

	if output.Body.Uptime == "" {
		t.Error("expected non-empty uptime")
	}

	if output.Body.CPUInfo.Cores == 0 {
		t.Error("expected non-zero CPU cores")
	}

	if output.Body.BackendCircuit != "closed" {
		t.Errorf("expected backend circuit 'closed', got '%s'", output.Body.BackendCircuit)
	}

	// No sync channel wired: the report shows a closed, disconnected channel.
	if output.Body.Sync.Connected {
		t.Error("expected sync to report disconnected")
	}
}

func TestHealthHandler_CircuitStateFromBackendClient(t *testing.T) {
	// Wired exactly as the serve command does it: the client reports a typed
	// breaker state, the handler takes its string form.
	client := backend.New(config.BackendConfig{URL: "http://127.0.0.1:1"}, nil)
	handler := NewHealthHandler("1.0.0").
		WithCircuitState(func() string { return client.CircuitState().String() })

	output, err := handler.GetHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.BackendCircuit != "closed" {
		t.Errorf("expected backend circuit 'closed', got '%s'", output.Body.BackendCircuit)
	}
}
