// Package cache provides the shared in-memory state store that the sync
// channel writes into and UI-facing handlers read from. Entries are keyed
// JSON-like documents updated by deep merge; list-shaped data is tracked
// only as coarse collection generations that consumers re-fetch against.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Collection names whose contents are invalidated wholesale rather than
// patched in place.
const (
	CollectionPrintQueue    = "print_queue"
	CollectionPrintArchives = "print_archives"
	CollectionPrinters      = "printers"
)

// ChangeType distinguishes the two kinds of cache change notifications.
type ChangeType string

const (
	// ChangeState is emitted when a keyed document is patched.
	ChangeState ChangeType = "state"
	// ChangeCollection is emitted when a collection is invalidated.
	ChangeCollection ChangeType = "collection"
)

// Change describes a single cache mutation delivered to subscribers.
type Change struct {
	Type ChangeType `json:"type"`

	// Key and Data are set for state changes. Data is the full merged
	// document after the patch, safe for the receiver to retain.
	Key  string         `json:"key,omitempty"`
	Data map[string]any `json:"data,omitempty"`

	// Collection and Generation are set for collection invalidations.
	Collection string `json:"collection,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
}

// Store is a concurrency-safe keyed state cache.
type Store struct {
	mu            sync.RWMutex
	states        map[string]map[string]any
	generations   map[string]uint64
	invalidatedAt map[string]time.Time
	sticky        map[string]struct{}

	subMu   sync.Mutex
	subs    map[uint64]chan Change
	nextSub uint64

	logger *slog.Logger
}

// New creates an empty store. Attributes listed in stickyKeys keep their
// last known value when a patch carries an explicit null for them; this
// covers telemetry like wifi_signal that the upstream only reports
// intermittently.
func New(logger *slog.Logger, stickyKeys ...string) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	sticky := make(map[string]struct{}, len(stickyKeys))
	for _, k := range stickyKeys {
		sticky[k] = struct{}{}
	}
	return &Store{
		states:        make(map[string]map[string]any),
		generations:   make(map[string]uint64),
		invalidatedAt: make(map[string]time.Time),
		sticky:        sticky,
		subs:          make(map[uint64]chan Change),
		logger:        logger,
	}
}

// Patch deep-merges patch into the document stored under key, creating the
// document if absent, and returns a copy of the merged result. Nested maps
// merge recursively; any other value replaces the previous one. A null for
// a sticky attribute never overwrites a known value.
func (s *Store) Patch(key string, patch map[string]any) map[string]any {
	s.mu.Lock()
	doc, ok := s.states[key]
	if !ok {
		doc = make(map[string]any)
		s.states[key] = doc
	}
	s.mergeLocked(doc, patch)
	merged := deepCopyMap(doc)
	s.mu.Unlock()

	s.broadcast(Change{Type: ChangeState, Key: key, Data: merged})
	return merged
}

// Get returns a copy of the document stored under key.
func (s *Store) Get(key string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.states[key]
	if !ok {
		return nil, false
	}
	return deepCopyMap(doc), true
}

// Keys returns all document keys currently in the store.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	return keys
}

// Invalidate bumps the generation of each named collection. Consumers
// holding an older generation know their copy is stale and re-fetch.
func (s *Store) Invalidate(collections ...string) {
	now := time.Now()
	changes := make([]Change, 0, len(collections))

	s.mu.Lock()
	for _, c := range collections {
		s.generations[c]++
		s.invalidatedAt[c] = now
		changes = append(changes, Change{
			Type:       ChangeCollection,
			Collection: c,
			Generation: s.generations[c],
		})
	}
	s.mu.Unlock()

	for _, ch := range changes {
		s.broadcast(ch)
	}
}

// Generation returns the current generation of a collection and when it was
// last invalidated. A collection that has never been invalidated reports
// generation zero.
func (s *Store) Generation(collection string) (uint64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[collection], s.invalidatedAt[collection]
}

// Subscribe registers a change listener and returns its channel plus an
// unsubscribe function. Changes are delivered best-effort: a subscriber
// whose buffer is full misses the change rather than blocking writers.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 16
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, buffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Store) broadcast(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.logger.Warn("cache subscriber buffer full, dropping change",
				slog.Uint64("subscriber", id),
				slog.String("type", string(change.Type)),
			)
		}
	}
}

// mergeLocked merges src into dst in place. Caller holds s.mu.
func (s *Store) mergeLocked(dst, src map[string]any) {
	for k, v := range src {
		if v == nil {
			if _, isSticky := s.sticky[k]; isSticky {
				if existing, ok := dst[k]; ok && existing != nil {
					continue
				}
			}
			dst[k] = nil
			continue
		}

		srcMap, srcIsMap := v.(map[string]any)
		if srcIsMap {
			if dstMap, dstIsMap := dst[k].(map[string]any); dstIsMap {
				s.mergeLocked(dstMap, srcMap)
				continue
			}
			dst[k] = deepCopyMap(srcMap)
			continue
		}

		dst[k] = deepCopyValue(v)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
