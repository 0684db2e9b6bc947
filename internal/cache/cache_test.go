package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatch_CreatesDocument(t *testing.T) {
	s := New(nil)

	merged := s.Patch("printer:alpha", map[string]any{"state": "printing", "progress": 0.25})

	assert.Equal(t, "printing", merged["state"])
	assert.Equal(t, 0.25, merged["progress"])

	got, ok := s.Get("printer:alpha")
	require.True(t, ok)
	assert.Equal(t, merged, got)
}

func TestPatch_DeepMergeNestedMaps(t *testing.T) {
	s := New(nil)

	s.Patch("printer:alpha", map[string]any{
		"temps": map[string]any{"hotend": 210.0, "bed": 60.0},
		"state": "printing",
	})
	merged := s.Patch("printer:alpha", map[string]any{
		"temps": map[string]any{"hotend": 215.0},
	})

	temps, ok := merged["temps"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 215.0, temps["hotend"])
	assert.Equal(t, 60.0, temps["bed"], "untouched sibling keys survive the merge")
	assert.Equal(t, "printing", merged["state"])
}

func TestPatch_NullOverwritesNonStickyValue(t *testing.T) {
	s := New(nil)

	s.Patch("printer:alpha", map[string]any{"current_job": "benchy.gcode"})
	merged := s.Patch("printer:alpha", map[string]any{"current_job": nil})

	v, present := merged["current_job"]
	require.True(t, present)
	assert.Nil(t, v)
}

func TestPatch_StickyAttributeKeepsLastKnownValue(t *testing.T) {
	s := New(nil, "wifi_signal")

	s.Patch("printer:alpha", map[string]any{"wifi_signal": -42.0, "temp": 55.0})
	merged := s.Patch("printer:alpha", map[string]any{"wifi_signal": nil, "temp": 60.0})

	assert.Equal(t, -42.0, merged["wifi_signal"], "null never overwrites a known sticky value")
	assert.Equal(t, 60.0, merged["temp"])
}

func TestPatch_StickyAttributeAcceptsInitialNull(t *testing.T) {
	s := New(nil, "wifi_signal")

	merged := s.Patch("printer:alpha", map[string]any{"wifi_signal": nil})
	v, present := merged["wifi_signal"]
	require.True(t, present)
	assert.Nil(t, v)

	// A real reading replaces the null, and later nulls are ignored again.
	merged = s.Patch("printer:alpha", map[string]any{"wifi_signal": -50.0})
	assert.Equal(t, -50.0, merged["wifi_signal"])
	merged = s.Patch("printer:alpha", map[string]any{"wifi_signal": nil})
	assert.Equal(t, -50.0, merged["wifi_signal"])
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New(nil)

	s.Patch("printer:alpha", map[string]any{"temps": map[string]any{"bed": 60.0}})

	got, ok := s.Get("printer:alpha")
	require.True(t, ok)
	got["temps"].(map[string]any)["bed"] = 999.0

	again, _ := s.Get("printer:alpha")
	assert.Equal(t, 60.0, again["temps"].(map[string]any)["bed"])
}

func TestGet_Missing(t *testing.T) {
	s := New(nil)

	_, ok := s.Get("printer:missing")
	assert.False(t, ok)
}

func TestInvalidate_BumpsGenerations(t *testing.T) {
	s := New(nil)

	gen, at := s.Generation(CollectionPrintQueue)
	assert.Equal(t, uint64(0), gen)
	assert.True(t, at.IsZero())

	s.Invalidate(CollectionPrintQueue, CollectionPrintArchives)

	gen, at = s.Generation(CollectionPrintQueue)
	assert.Equal(t, uint64(1), gen)
	assert.False(t, at.IsZero())

	gen, _ = s.Generation(CollectionPrintArchives)
	assert.Equal(t, uint64(1), gen)

	gen, _ = s.Generation(CollectionPrinters)
	assert.Equal(t, uint64(0), gen, "collections not named are untouched")

	s.Invalidate(CollectionPrintQueue)
	gen, _ = s.Generation(CollectionPrintQueue)
	assert.Equal(t, uint64(2), gen)
}

func TestSubscribe_ReceivesStateChanges(t *testing.T) {
	s := New(nil)
	ch, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	s.Patch("printer:alpha", map[string]any{"state": "printing"})

	change := <-ch
	assert.Equal(t, ChangeState, change.Type)
	assert.Equal(t, "printer:alpha", change.Key)
	assert.Equal(t, "printing", change.Data["state"])
}

func TestSubscribe_ReceivesCollectionChanges(t *testing.T) {
	s := New(nil)
	ch, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	s.Invalidate(CollectionPrinters)

	change := <-ch
	assert.Equal(t, ChangeCollection, change.Type)
	assert.Equal(t, CollectionPrinters, change.Collection)
	assert.Equal(t, uint64(1), change.Generation)
}

func TestSubscribe_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	s := New(nil)
	ch, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	s.Patch("printer:alpha", map[string]any{"n": 1.0})
	s.Patch("printer:alpha", map[string]any{"n": 2.0}) // dropped, buffer full

	change := <-ch
	assert.Equal(t, 1.0, change.Data["n"])
	select {
	case c := <-ch:
		t.Fatalf("expected no more changes, got %+v", c)
	default:
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	s := New(nil)
	ch, unsubscribe := s.Subscribe(4)

	unsubscribe()
	// Safe to call twice.
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	// No panic broadcasting after unsubscribe.
	s.Patch("printer:alpha", map[string]any{"state": "idle"})
}
