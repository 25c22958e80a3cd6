// Package history keeps a bounded, newest-first record of finished probes.
package history

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/whistle/pkg/types"
)

const DefaultCapacity = 8

// Ring is an events.Recorder that turns finish and failure events into
// history entries, dropping the oldest entry once full.
type Ring struct {
	mu       sync.Mutex
	capacity int
	items    []types.HistoryEntry
	dropped  uint64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		items:    make([]types.HistoryEntry, 0, capacity),
	}
}

func (r *Ring) Record(ev types.Event) {
	if ev.Type != types.EventProbeFinished && ev.Type != types.EventProbeFailed {
		return
	}
	entry := types.HistoryEntry{
		ID:      ev.ProbeID,
		OK:      ev.Type == types.EventProbeFinished,
		Summary: summarize(ev),
		At:      ev.Timestamp,
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	entry.Protocol, entry.Type, _ = strings.Cut(ev.Mode, "-")
	r.Add(entry)
}

// Add appends entry and reports whether an older entry was dropped to make room.
func (r *Ring) Add(entry types.HistoryEntry) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) >= r.capacity {
		r.items = r.items[1:]
		r.dropped++
		dropped = true
	}
	r.items = append(r.items, entry)
	return dropped
}

// List returns up to limit entries, newest first. A non-positive limit returns all.
func (r *Ring) List(limit int) []types.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.HistoryEntry, 0, n)
	for i := len(r.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.items[i])
	}
	return out
}

type Stats struct {
	Len     int
	Dropped uint64
}

func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Len: len(r.items), Dropped: r.dropped}
}

func summarize(ev types.Event) string {
	if ev.Type == types.EventProbeFailed {
		return ev.Note
	}
	if n, ok := ev.Details["captures"].(int); ok {
		if n == 1 {
			return "1 capture"
		}
		return fmt.Sprintf("%d captures", n)
	}
	sent, _ := ev.Details["bytes_sent"].(int)
	recv, _ := ev.Details["bytes_received"].(int)
	return fmt.Sprintf("%dB → %dB", sent, recv)
}
