// Package trigger holds the process-wide switch that gates analysis.
package trigger

import "sync/atomic"

// Trigger is a two-state activation switch. The zero value is disabled.
// All methods are safe for concurrent use by any instrumented thread.
type Trigger struct {
	active atomic.Bool
}

// New returns a Trigger in the given initial state.
func New(active bool) *Trigger {
	t := &Trigger{}
	t.active.Store(active)
	return t
}

// Update sets the state unconditionally and reports whether it changed.
// Setting the current value again has no effect.
func (t *Trigger) Update(active bool) (changed bool) {
	return t.active.Swap(active) != active
}

// State returns the current state.
func (t *Trigger) State() bool {
	return t.active.Load()
}
