package reliability

import (
	"sync"
	"time"
)

const DefaultHistorySize = 1000

// ErrorRecord describes one handled error.
type ErrorRecord struct {
	ID                 string    `json:"error_id"`
	Timestamp          time.Time `json:"timestamp"`
	Service            string    `json:"service"`
	Function           string    `json:"function"`
	Category           Category  `json:"category"`
	Severity           Severity  `json:"severity"`
	ErrorType          string    `json:"error_type"`
	Message            string    `json:"message"`
	RetryCount         int       `json:"retry_count"`
	RecoveryAttempted  bool      `json:"recovery_attempted"`
	RecoverySuccessful bool      `json:"recovery_successful"`
}

// History is a bounded ring of the most recent error records plus
// lifetime counters keyed "category/severity".
type History struct {
	mu       sync.Mutex
	records  []ErrorRecord
	next     int
	full     bool
	counters map[string]int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		records:  make([]ErrorRecord, size),
		counters: make(map[string]int),
	}
}

func counterKey(c Category, s Severity) string {
	return string(c) + "/" + string(s)
}

// Add appends a record, evicting the oldest when full.
func (h *History) Add(rec ErrorRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(rec)
	h.counters[counterKey(rec.Category, rec.Severity)]++
}

func (h *History) addLocked(rec ErrorRecord) {
	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// Records returns the retained records, oldest first.
func (h *History) Records() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]ErrorRecord(nil), h.records[:h.next]...)
	}
	out := make([]ErrorRecord, 0, len(h.records))
	out = append(out, h.records[h.next:]...)
	return append(out, h.records[:h.next]...)
}

// Since returns the retained records at or after t, oldest first.
func (h *History) Since(t time.Time) []ErrorRecord {
	var out []ErrorRecord
	for _, rec := range h.Records() {
		if !rec.Timestamp.Before(t) {
			out = append(out, rec)
		}
	}
	return out
}

// Counters returns a copy of the lifetime counters.
func (h *History) Counters() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counters))
	for k, v := range h.counters {
		out[k] = v
	}
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.records)
	}
	return h.next
}

// Cap returns the ring size.
func (h *History) Cap() int {
	return len(h.records)
}

// restore replaces the contents with persisted state.
func (h *History) restore(records []ErrorRecord, counters map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next, h.full = 0, false
	if len(records) > len(h.records) {
		records = records[len(records)-len(h.records):]
	}
	for _, rec := range records {
		h.addLocked(rec)
	}
	h.counters = make(map[string]int, len(counters))
	for k, v := range counters {
		h.counters[k] = v
	}
}
