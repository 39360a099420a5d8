package admission

import (
	"time"

	"github.com/fentz26/cadence/internal/models"
	"github.com/google/uuid"
)

// History is the append-only action log used for time-window arithmetic.
// It is owned by one cycle at a time and is not safe for concurrent use.
type History struct {
	records []models.ActionRecord
}

// NewHistory returns a history seeded with previously persisted records.
func NewHistory(records []models.ActionRecord) *History {
	h := &History{records: make([]models.ActionRecord, len(records))}
	copy(h.records, records)
	return h
}

// Append adds a record, assigning an ID when missing.
func (h *History) Append(rec models.ActionRecord) models.ActionRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	h.records = append(h.records, rec)
	return rec
}

// Records returns a copy of every record in append order.
func (h *History) Records() []models.ActionRecord {
	out := make([]models.ActionRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Len returns the number of records.
func (h *History) Len() int {
	return len(h.records)
}

// CompletedSince counts completed records for scope at or after t.
func (h *History) CompletedSince(scope string, t time.Time) int {
	n := 0
	for _, r := range h.records {
		if r.Scope == scope && r.Outcome == models.OutcomeCompleted && !r.At.Before(t) {
			n++
		}
	}
	return n
}

// LastCompleted returns the time of the most recent completed record for scope.
func (h *History) LastCompleted(scope string) (time.Time, bool) {
	var last time.Time
	found := false
	for _, r := range h.records {
		if r.Scope != scope || r.Outcome != models.OutcomeCompleted {
			continue
		}
		if !found || r.At.After(last) {
			last = r.At
			found = true
		}
	}
	return last, found
}

// Prune drops records older than cutoff and returns how many were removed.
func (h *History) Prune(cutoff time.Time) int {
	kept := h.records[:0]
	removed := 0
	for _, r := range h.records {
		if r.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	h.records = kept
	return removed
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	return NewHistory(h.records)
}
