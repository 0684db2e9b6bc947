// Package handlers provides the HTTP API handlers for printdeck.
package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/printdeck/printdeck/internal/database"
	"github.com/printdeck/printdeck/internal/statesync"
	"github.com/printdeck/printdeck/internal/stream"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	sync      *statesync.Channel
	streams   *stream.Manager
	circuit   func() string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithSyncChannel sets the sync channel for liveness reporting.
func (h *HealthHandler) WithSyncChannel(ch *statesync.Channel) *HealthHandler {
	h.sync = ch
	return h
}

// WithStreamManager sets the viewer session manager for session counts.
func (h *HealthHandler) WithStreamManager(m *stream.Manager) *HealthHandler {
	h.streams = m
	return h
}

// WithCircuitState sets a provider for the backend circuit breaker state.
func (h *HealthHandler) WithCircuitState(fn func() string) *HealthHandler {
	h.circuit = fn
	return h
}

// CPUInfo holds system load information.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load_1min"`
	Load5Min  float64 `json:"load_5min"`
	Load15Min float64 `json:"load_15min"`
}

// MemoryInfo holds system memory information.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
}

// SyncHealth reports the sync channel's connection liveness.
type SyncHealth struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	LastPong  string `json:"last_pong,omitempty"`
}

// DatabaseHealth reports database connectivity.
type DatabaseHealth struct {
	Status         string  `json:"status"`
	Driver         string  `json:"driver,omitempty"`
	ResponseTimeMS float64 `json:"response_time_ms"`
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status         string         `json:"status"`
	Timestamp      string         `json:"timestamp"`
	Version        string         `json:"version"`
	Uptime         string         `json:"uptime"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	CPUInfo        CPUInfo        `json:"cpu"`
	Memory         MemoryInfo     `json:"memory"`
	Sync           SyncHealth     `json:"sync"`
	Database       DatabaseHealth `json:"database"`
	BackendCircuit string         `json:"backend_circuit,omitempty"`
	ActiveViewers  int            `json:"active_viewers"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// ProbeOutput is the output for livez/readyz probes.
type ProbeOutput struct {
	Status int
	Body   struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including system metrics, database, and sync channel liveness",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the service health report.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
		Sync:          h.getSyncHealth(),
		Database:      h.getDatabaseHealth(ctx),
	}

	if h.circuit != nil {
		resp.BackendCircuit = h.circuit()
	}
	if h.streams != nil {
		resp.ActiveViewers = h.streams.ActiveCount()
	}
	if resp.Database.Status == "error" {
		resp.Status = "degraded"
	}

	return &HealthOutput{Body: resp}, nil
}

// GetLivez reports process liveness.
func (h *HealthHandler) GetLivez(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
	out := &ProbeOutput{Status: 200}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports readiness: the database must answer. The sync channel is
// deliberately excluded; it self-heals and its loss only means stale data.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
	out := &ProbeOutput{Status: 200}
	out.Body.Status = "ok"

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			out.Status = 503
			out.Body.Status = "database unavailable"
		}
	}
	return out, nil
}

func (h *HealthHandler) getCPUInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
	}
	return info
}

func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}
	return info
}

func (h *HealthHandler) getSyncHealth() SyncHealth {
	if h.sync == nil {
		return SyncHealth{State: "disabled"}
	}

	sh := SyncHealth{
		State:     string(h.sync.State()),
		Connected: h.sync.IsConnected(),
	}
	if lp := h.sync.LastPong(); !lp.IsZero() {
		sh.LastPong = lp.UTC().Format(time.RFC3339)
	}
	return sh
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "unknown"}
	}

	health := DatabaseHealth{
		Status: "ok",
		Driver: h.db.Driver(),
	}

	start := time.Now()
	if err := h.db.Ping(ctx); err != nil {
		health.Status = "error"
	}
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	return health
}
