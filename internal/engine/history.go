package engine

import (
	"time"
)

// historySize bounds the message history ring.
const historySize = 50

// HistoryEntry is one received shadow message, kept for the history
// display.
type HistoryEntry struct {
	Time    time.Time
	Kind    string
	Summary string
}

type historyRing struct {
	entries []HistoryEntry
	total   int
}

func (h *historyRing) add(kind, summary string) {
	h.total++
	h.entries = append(h.entries, HistoryEntry{
		Time:    time.Now(),
		Kind:    kind,
		Summary: summary,
	})
	if len(h.entries) > historySize {
		h.entries = h.entries[len(h.entries)-historySize:]
	}
}

func (h *historyRing) snapshot() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}
