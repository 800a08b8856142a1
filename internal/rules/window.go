package rules

import (
	"time"
)

// WindowKey identifies one sliding window
type WindowKey struct {
	Device string
	RuleID string
	SubKey string
}

// windowEntry is one counted occurrence
type windowEntry struct {
	EventID string
	At      time.Time
}

// Window holds the occurrences for one key, oldest first. LastState carries
// the most recent flap state across resets.
type Window struct {
	entries   []windowEntry
	span      time.Duration
	lastState string
	lastSeen  time.Time
}

// Add appends an occurrence
func (w *Window) Add(eventID string, at time.Time) {
	w.entries = append(w.entries, windowEntry{EventID: eventID, At: at})
	w.touch(at)
}

func (w *Window) touch(at time.Time) {
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}
}

// Evict drops entries older than the span relative to now
func (w *Window) Evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && w.entries[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// Count returns the number of live entries
func (w *Window) Count() int { return len(w.entries) }

// EventIDs returns the evidence ids, oldest first
func (w *Window) EventIDs() []string {
	ids := make([]string, len(w.entries))
	for i, e := range w.entries {
		ids[i] = e.EventID
	}
	return ids
}

// Reset empties the window, keeping the last flap state
func (w *Window) Reset() {
	w.entries = w.entries[:0]
}

// WindowBuffer maintains keyed sliding windows with garbage collection. It is
// owned by a single consumer and does no locking.
type WindowBuffer struct {
	windows map[WindowKey]*Window
}

// NewWindowBuffer creates an empty buffer
func NewWindowBuffer() *WindowBuffer {
	return &WindowBuffer{windows: make(map[WindowKey]*Window)}
}

// Get returns the window for key, creating it with span if absent
func (wb *WindowBuffer) Get(key WindowKey, span time.Duration) *Window {
	w, ok := wb.windows[key]
	if !ok {
		w = &Window{span: span}
		wb.windows[key] = w
	}
	return w
}

// Peek returns the window for key without creating it
func (wb *WindowBuffer) Peek(key WindowKey) (*Window, bool) {
	w, ok := wb.windows[key]
	return w, ok
}

// GC removes windows idle for longer than their span. A window holding a
// flap state keeps that baseline and only releases its entries.
func (wb *WindowBuffer) GC(now time.Time) int {
	removed := 0
	for key, w := range wb.windows {
		w.Evict(now)
		if w.Count() > 0 || now.Sub(w.lastSeen) <= w.span {
			continue
		}
		if w.lastState != "" {
			w.entries = nil
			continue
		}
		delete(wb.windows, key)
		removed++
	}
	return removed
}

// Len returns the number of live windows
func (wb *WindowBuffer) Len() int { return len(wb.windows) }

// Clear removes all windows
func (wb *WindowBuffer) Clear() {
	for key := range wb.windows {
		delete(wb.windows, key)
	}
}

// GetStats returns statistics about the window buffer
func (wb *WindowBuffer) GetStats() map[string]interface{} {
	totalEntries := 0
	devices := make(map[string]struct{})
	for key, w := range wb.windows {
		totalEntries += w.Count()
		devices[key.Device] = struct{}{}
	}
	return map[string]interface{}{
		"window_count":  len(wb.windows),
		"device_count":  len(devices),
		"total_entries": totalEntries,
	}
}
