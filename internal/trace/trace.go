// Package trace collects the ordered records produced by the analysis
// processor together with the events that bracket them.
package trace

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zboralski/taintrace/internal/ir"
)

// Trace is an append-only sequence of records. Appends from concurrent
// threads are serialized; Seq is assigned in append order.
type Trace struct {
	id uuid.UUID

	mu      sync.RWMutex
	records []ir.Record
	events  []*Event
}

// New creates an empty trace with a fresh run id.
func New() *Trace {
	return &Trace{id: uuid.New()}
}

// ID identifies the run that produced this trace.
func (t *Trace) ID() uuid.UUID { return t.id }

// Add appends rec and returns its sequence number.
func (t *Trace) Add(rec ir.Record) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Seq = uint64(len(t.records))
	t.records = append(t.records, rec)
	return rec.Seq
}

// AddEvent appends e, stamping it with the position of the next record.
func (t *Trace) AddEvent(e *Event) {
	Enrich(e)
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Seq = uint64(len(t.records))
	t.events = append(t.events, e)
}

// Len returns the number of records.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Records returns a copy of the records in order.
func (t *Trace) Records() []ir.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ir.Record, len(t.records))
	copy(out, t.records)
	return out
}

// Events returns a copy of the events in order.
func (t *Trace) Events() []*Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Event, len(t.events))
	copy(out, t.events)
	return out
}

// Tainted returns only the records that wrote taint.
func (t *Trace) Tainted() []ir.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ir.Record
	for _, r := range t.records {
		if r.Tainted {
			out = append(out, r)
		}
	}
	return out
}
