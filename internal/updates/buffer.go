// Package updates keeps the ordered, append-only log of push events
// received per trip.
package updates

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Record is one inbound push event.
type Record struct {
	TripID     string          `json:"trip_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Message returns the human-readable text of the event, taken from the
// frame's "message" field, or from a nested payload/data message.
func (r Record) Message() string {
	for _, path := range []string{"message", "payload.message", "data.message"} {
		if v := gjson.GetBytes(r.Payload, path); v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

// Severity returns the frame's "severity" field, or "info" when absent.
func (r Record) Severity() string {
	if v := gjson.GetBytes(r.Payload, "severity"); v.Exists() {
		return v.String()
	}
	return "info"
}

// Buffer is safe for concurrent use. It never drops, reorders or
// deduplicates records; memory is bounded only by explicit Truncate or
// Clear calls.
type Buffer struct {
	mu    sync.RWMutex
	trips map[string][]Record
}

func NewBuffer() *Buffer {
	return &Buffer{trips: make(map[string][]Record)}
}

// Append adds rec to the end of tripID's sequence.
func (b *Buffer) Append(tripID string, rec Record) {
	rec.TripID = tripID
	b.mu.Lock()
	b.trips[tripID] = append(b.trips[tripID], rec)
	b.mu.Unlock()
}

// Snapshot returns a copy of everything received for tripID, in receipt
// order. The result is never nil.
func (b *Buffer) Snapshot(tripID string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.trips[tripID]
	out := make([]Record, len(src))
	for i, rec := range src {
		rec.Payload = append(json.RawMessage(nil), rec.Payload...)
		out[i] = rec
	}
	return out
}

func (b *Buffer) Len(tripID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.trips[tripID])
}

// Truncate keeps only the latest keep records for tripID.
func (b *Buffer) Truncate(tripID string, keep int) {
	if keep < 0 {
		keep = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := b.trips[tripID]
	if len(recs) <= keep {
		return
	}
	b.trips[tripID] = append([]Record(nil), recs[len(recs)-keep:]...)
}

// Clear forgets every record for tripID.
func (b *Buffer) Clear(tripID string) {
	b.mu.Lock()
	delete(b.trips, tripID)
	b.mu.Unlock()
}
