package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/printdeck/printdeck/internal/cache"
)

// StateHandler exposes read access to the shared cache.
type StateHandler struct {
	store *cache.Store
}

// NewStateHandler creates a state handler over the shared cache.
func NewStateHandler(store *cache.Store) *StateHandler {
	return &StateHandler{store: store}
}

// GetStateInput addresses one cached document.
type GetStateInput struct {
	Kind      string `path:"kind" doc:"Entity kind, e.g. printer_status"`
	PrinterID string `path:"printer_id" doc:"Printer identifier"`
}

// GetStateOutput carries one cached document.
type GetStateOutput struct {
	Body struct {
		Key  string         `json:"key"`
		Data map[string]any `json:"data"`
	}
}

// CollectionStatus reports one collection's staleness generation.
type CollectionStatus struct {
	Collection    string `json:"collection"`
	Generation    uint64 `json:"generation"`
	InvalidatedAt string `json:"invalidated_at,omitempty"`
}

// GetCollectionsOutput lists collection staleness generations.
type GetCollectionsOutput struct {
	Body struct {
		Collections []CollectionStatus `json:"collections"`
	}
}

// GetKeysOutput lists all cached document keys.
type GetKeysOutput struct {
	Body struct {
		Keys []string `json:"keys"`
	}
}

// Register registers the state routes with the API.
func (h *StateHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStateCollections",
		Method:      "GET",
		Path:        "/api/v1/state/collections",
		Summary:     "Collection staleness",
		Description: "Returns the staleness generation of each invalidation-tracked collection",
		Tags:        []string{"State"},
	}, h.GetCollections)

	huma.Register(api, huma.Operation{
		OperationID: "getStateKeys",
		Method:      "GET",
		Path:        "/api/v1/state/keys",
		Summary:     "List cached state keys",
		Tags:        []string{"State"},
	}, h.GetKeys)

	huma.Register(api, huma.Operation{
		OperationID: "getState",
		Method:      "GET",
		Path:        "/api/v1/state/{kind}/{printer_id}",
		Summary:     "Read cached state",
		Tags:        []string{"State"},
	}, h.GetState)
}

// GetState returns one cached document.
func (h *StateHandler) GetState(ctx context.Context, input *GetStateInput) (*GetStateOutput, error) {
	key := input.Kind + ":" + input.PrinterID
	data, ok := h.store.Get(key)
	if !ok {
		return nil, huma.Error404NotFound("no cached state for " + key)
	}

	out := &GetStateOutput{}
	out.Body.Key = key
	out.Body.Data = data
	return out, nil
}

// GetCollections returns staleness generations for all tracked collections.
func (h *StateHandler) GetCollections(ctx context.Context, _ *struct{}) (*GetCollectionsOutput, error) {
	collections := []string{
		cache.CollectionPrintQueue,
		cache.CollectionPrintArchives,
		cache.CollectionPrinters,
	}

	out := &GetCollectionsOutput{}
	out.Body.Collections = make([]CollectionStatus, 0, len(collections))
	for _, c := range collections {
		gen, at := h.store.Generation(c)
		status := CollectionStatus{Collection: c, Generation: gen}
		if !at.IsZero() {
			status.InvalidatedAt = at.UTC().Format(time.RFC3339)
		}
		out.Body.Collections = append(out.Body.Collections, status)
	}
	return out, nil
}

// GetKeys returns all cached document keys.
func (h *StateHandler) GetKeys(ctx context.Context, _ *struct{}) (*GetKeysOutput, error) {
	out := &GetKeysOutput{}
	out.Body.Keys = h.store.Keys()
	return out, nil
}
