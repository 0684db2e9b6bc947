package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/printdeck/printdeck/internal/prefs"
	"github.com/printdeck/printdeck/internal/stream"
)

// ViewerHandler manages camera viewer sessions and their persisted window
// geometry.
type ViewerHandler struct {
	streams *stream.Manager
	prefs   *prefs.Store
}

// NewViewerHandler creates a viewer handler.
func NewViewerHandler(streams *stream.Manager, prefs *prefs.Store) *ViewerHandler {
	return &ViewerHandler{streams: streams, prefs: prefs}
}

// OpenViewerInput opens (or returns) a viewer session for a printer.
type OpenViewerInput struct {
	PrinterID string `path:"printer_id" doc:"Printer identifier"`
	Body      struct {
		Mode string `json:"mode,omitempty" enum:"live,snapshot" doc:"Initial viewing mode, defaults to live"`
	}
}

// ViewerStatusInput addresses one printer's viewer session.
type ViewerStatusInput struct {
	PrinterID string `path:"printer_id" doc:"Printer identifier"`
}

// ViewerStatusOutput carries a viewer session's externally visible state.
type ViewerStatusOutput struct {
	Body stream.Status
}

// SwitchModeInput changes a viewer session's mode.
type SwitchModeInput struct {
	PrinterID string `path:"printer_id" doc:"Printer identifier"`
	Body      struct {
		Mode string `json:"mode" enum:"live,snapshot" doc:"Target viewing mode"`
	}
}

// GeometryOutput carries the saved window geometry for a printer.
type GeometryOutput struct {
	Body prefs.Geometry
}

// SaveGeometryInput persists a viewer window geometry.
type SaveGeometryInput struct {
	PrinterID string `path:"printer_id" doc:"Printer identifier"`
	Body      prefs.Geometry
}

// Register registers the viewer routes with the API.
func (h *ViewerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "openViewer",
		Method:        "POST",
		Path:          "/api/v1/viewers/{printer_id}",
		Summary:       "Open a viewer session",
		Description:   "Opens a camera viewer session for the printer, or returns the existing one",
		Tags:          []string{"Viewers"},
		DefaultStatus: 200,
	}, h.OpenViewer)

	huma.Register(api, huma.Operation{
		OperationID: "getViewerStatus",
		Method:      "GET",
		Path:        "/api/v1/viewers/{printer_id}/status",
		Summary:     "Viewer session status",
		Tags:        []string{"Viewers"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "switchViewerMode",
		Method:      "POST",
		Path:        "/api/v1/viewers/{printer_id}/mode",
		Summary:     "Switch viewing mode",
		Description: "Switches the viewer between live and snapshot mode; ignored while a switch is already in flight",
		Tags:        []string{"Viewers"},
	}, h.SwitchMode)

	huma.Register(api, huma.Operation{
		OperationID: "refreshViewer",
		Method:      "POST",
		Path:        "/api/v1/viewers/{printer_id}/refresh",
		Summary:     "Refresh the viewer",
		Description: "Restarts the current mode from scratch with a fresh source",
		Tags:        []string{"Viewers"},
	}, h.Refresh)

	huma.Register(api, huma.Operation{
		OperationID:   "releaseViewer",
		Method:        "DELETE",
		Path:          "/api/v1/viewers/{printer_id}",
		Summary:       "Release a viewer session",
		Description:   "Tears the session down and releases the backend capture resource; idempotent",
		Tags:          []string{"Viewers"},
		DefaultStatus: 204,
	}, h.Release)

	huma.Register(api, huma.Operation{
		OperationID: "getViewerGeometry",
		Method:      "GET",
		Path:        "/api/v1/viewers/{printer_id}/geometry",
		Summary:     "Saved window geometry",
		Tags:        []string{"Viewers"},
	}, h.GetGeometry)

	huma.Register(api, huma.Operation{
		OperationID: "saveViewerGeometry",
		Method:      "PUT",
		Path:        "/api/v1/viewers/{printer_id}/geometry",
		Summary:     "Save window geometry",
		Tags:        []string{"Viewers"},
	}, h.SaveGeometry)
}

// RegisterRaw mounts routes that serve raw bytes outside the typed API.
func (h *ViewerHandler) RegisterRaw(router *chi.Mux) {
	router.Get("/api/v1/viewers/{printer_id}/snapshot", h.handleSnapshot)
}

// OpenViewer opens a viewer session, or returns the existing one. When the
// request does not name a mode, the printer's last selected mode is used.
func (h *ViewerHandler) OpenViewer(ctx context.Context, input *OpenViewerInput) (*ViewerStatusOutput, error) {
	requested := input.Body.Mode
	if requested == "" && h.prefs != nil {
		if saved, err := h.prefs.Mode(ctx, input.PrinterID); err == nil {
			requested = saved
		}
	}
	mode := stream.ModeLive
	if requested == string(stream.ModeSnapshot) {
		mode = stream.ModeSnapshot
	}
	session := h.streams.Open(input.PrinterID, mode)
	return &ViewerStatusOutput{Body: session.Status()}, nil
}

// GetStatus returns the viewer session's current state.
func (h *ViewerHandler) GetStatus(ctx context.Context, input *ViewerStatusInput) (*ViewerStatusOutput, error) {
	session, ok := h.streams.Get(input.PrinterID)
	if !ok {
		return nil, huma.Error404NotFound("no viewer session for printer " + input.PrinterID)
	}
	return &ViewerStatusOutput{Body: session.Status()}, nil
}

// SwitchMode switches the viewer between live and snapshot mode.
func (h *ViewerHandler) SwitchMode(ctx context.Context, input *SwitchModeInput) (*ViewerStatusOutput, error) {
	session, ok := h.streams.Get(input.PrinterID)
	if !ok {
		return nil, huma.Error404NotFound("no viewer session for printer " + input.PrinterID)
	}
	if err := session.SwitchMode(stream.Mode(input.Body.Mode)); err != nil {
		return nil, huma.Error409Conflict("viewer session already released")
	}
	// Remember the choice best-effort; the switch itself already happened.
	if h.prefs != nil {
		_ = h.prefs.SaveMode(ctx, input.PrinterID, input.Body.Mode)
	}
	return &ViewerStatusOutput{Body: session.Status()}, nil
}

// Refresh restarts the viewer's current mode from scratch.
func (h *ViewerHandler) Refresh(ctx context.Context, input *ViewerStatusInput) (*ViewerStatusOutput, error) {
	session, ok := h.streams.Get(input.PrinterID)
	if !ok {
		return nil, huma.Error404NotFound("no viewer session for printer " + input.PrinterID)
	}
	if err := session.Refresh(); err != nil {
		return nil, huma.Error409Conflict("viewer session already released")
	}
	return &ViewerStatusOutput{Body: session.Status()}, nil
}

// Release tears the viewer session down. Releasing a printer with no session
// is a no-op, so repeated deletes from racing teardown paths all succeed.
func (h *ViewerHandler) Release(ctx context.Context, input *ViewerStatusInput) (*struct{}, error) {
	h.streams.Release(input.PrinterID)
	return nil, nil
}

// GetGeometry returns the saved window geometry for a printer.
func (h *ViewerHandler) GetGeometry(ctx context.Context, input *ViewerStatusInput) (*GeometryOutput, error) {
	if h.prefs == nil {
		return nil, huma.Error404NotFound("geometry persistence disabled")
	}
	g, err := h.prefs.Geometry(ctx, input.PrinterID)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading geometry", err)
	}
	if g == nil {
		return nil, huma.Error404NotFound("no saved geometry for printer " + input.PrinterID)
	}
	return &GeometryOutput{Body: *g}, nil
}

// SaveGeometry persists the viewer window geometry for a printer.
func (h *ViewerHandler) SaveGeometry(ctx context.Context, input *SaveGeometryInput) (*GeometryOutput, error) {
	if h.prefs == nil {
		return nil, huma.Error404NotFound("geometry persistence disabled")
	}
	if err := h.prefs.SaveGeometry(ctx, input.PrinterID, input.Body); err != nil {
		return nil, huma.Error500InternalServerError("saving geometry", err)
	}
	return &GeometryOutput{Body: input.Body}, nil
}

// handleSnapshot serves the most recent still frame as raw image bytes.
func (h *ViewerHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	printerID := chi.URLParam(r, "printer_id")
	session, ok := h.streams.Get(printerID)
	if !ok {
		http.Error(w, "no viewer session", http.StatusNotFound)
		return
	}
	snap := session.Snapshot()
	if snap == nil || len(snap.Data) == 0 {
		http.Error(w, "no snapshot available", http.StatusNotFound)
		return
	}
	contentType := snap.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(snap.Data)
}
