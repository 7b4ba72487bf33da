// Package config holds the analysis configuration surface: activation
// addresses, the start symbol, per-address taint directives, callbacks and
// dump flags. Options is populated before the run by the YAML loader and the
// script front end, then read on every instruction.
package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	set "github.com/hashicorp/go-set"

	"github.com/zboralski/taintrace/internal/ir"
)

// CallbackKind selects when a callback runs relative to processing.
type CallbackKind int

const (
	Before CallbackKind = iota + 1
	After
)

// String returns "before" or "after".
func (k CallbackKind) String() string {
	switch k {
	case Before:
		return "before"
	case After:
		return "after"
	}
	return "unknown"
}

// Event is passed to callbacks.
type Event struct {
	Address  uint64
	ThreadID uint32
}

// Callback is a user hook. A non-nil error terminates the run.
type Callback func(Event) error

// MemRange is a byte range [Addr, Addr+Size).
type MemRange struct {
	Addr uint64
	Size uint64
}

// MaxMemRange bounds the size of a memory directive. Taint state is kept per
// byte, so a directive costs time and memory linear in its size on every
// execution of its address.
const MaxMemRange = 1 << 20

// Validate reports whether r is usable as a memory directive: non-empty, at
// most MaxMemRange bytes, and not wrapping past the top of the address space.
func (r MemRange) Validate() error {
	switch {
	case r.Size == 0:
		return errors.New("empty memory range")
	case r.Size > MaxMemRange:
		return fmt.Errorf("memory range of %d bytes exceeds %d", r.Size, MaxMemRange)
	case r.Size-1 > ^uint64(0)-r.Addr:
		return fmt.Errorf("memory range 0x%x+%d wraps the address space", r.Addr, r.Size)
	}
	return nil
}

// Directives are the configured actions for one instruction address.
// The slices are shared with Options and must not be modified.
type Directives struct {
	Start      bool
	Stop       bool
	Taint      []ir.Reg
	Untaint    []ir.Reg
	TaintMem   []MemRange
	UntaintMem []MemRange
}

// Options is the configuration surface. All methods are safe for concurrent use.
type Options struct {
	mu sync.RWMutex

	startAddrs  *set.Set[uint64]
	stopAddrs   *set.Set[uint64]
	startSymbol string

	taintRegs   map[uint64][]ir.Reg
	untaintRegs map[uint64][]ir.Reg
	taintMem    map[uint64][]MemRange
	untaintMem  map[uint64][]MemRange

	before Callback
	after  Callback

	dumpTrace   bool
	dumpStats   bool
	startActive *bool
	graphPath   string
	maxInsn     uint64
}

// New returns empty options.
func New() *Options {
	return &Options{
		startAddrs:  set.New[uint64](0),
		stopAddrs:   set.New[uint64](0),
		taintRegs:   make(map[uint64][]ir.Reg),
		untaintRegs: make(map[uint64][]ir.Reg),
		taintMem:    make(map[uint64][]MemRange),
		untaintMem:  make(map[uint64][]MemRange),
	}
}

// AddStartAddr activates analysis whenever addr executes.
func (o *Options) AddStartAddr(addr uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startAddrs.Insert(addr)
}

// AddStopAddr deactivates analysis whenever addr executes. The instruction
// at addr is not traced.
func (o *Options) AddStopAddr(addr uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopAddrs.Insert(addr)
}

// SetStartSymbol names the routine whose execution brackets the analysis.
func (o *Options) SetStartSymbol(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startSymbol = name
}

// StartSymbol returns the configured start symbol, or "".
func (o *Options) StartSymbol() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.startSymbol
}

// AddTaintRegs taints regs whenever addr executes, before processing.
// Invalid ids panic with *ir.InvalidRegisterError.
func (o *Options) AddTaintRegs(addr uint64, regs ...ir.Reg) {
	for _, r := range regs {
		ir.MustValid(r, "taint directive")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taintRegs[addr] = append(o.taintRegs[addr], regs...)
}

// AddUntaintRegs untaints regs whenever addr executes, before processing.
func (o *Options) AddUntaintRegs(addr uint64, regs ...ir.Reg) {
	for _, r := range regs {
		ir.MustValid(r, "untaint directive")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.untaintRegs[addr] = append(o.untaintRegs[addr], regs...)
}

// AddTaintMem taints r whenever addr executes, before processing. Loaders
// check r with Validate first.
func (o *Options) AddTaintMem(addr uint64, r MemRange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taintMem[addr] = append(o.taintMem[addr], r)
}

// AddUntaintMem untaints r whenever addr executes, before processing.
func (o *Options) AddUntaintMem(addr uint64, r MemRange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.untaintMem[addr] = append(o.untaintMem[addr], r)
}

// SetCallback installs fn for kind, replacing any previous one.
func (o *Options) SetCallback(kind CallbackKind, fn Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch kind {
	case Before:
		o.before = fn
	case After:
		o.after = fn
	}
}

// Before returns the callback run before each active instruction, or nil.
func (o *Options) Before() Callback {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.before
}

// After returns the callback run after each active instruction, or nil.
func (o *Options) After() Callback {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.after
}

// SetDumpTrace controls whether the trace is printed at fini.
func (o *Options) SetDumpTrace(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dumpTrace = v
}

// DumpTrace reports whether the trace is printed at fini.
func (o *Options) DumpTrace() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dumpTrace
}

// SetDumpStats controls whether taint statistics are printed at fini.
func (o *Options) SetDumpStats(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dumpStats = v
}

// DumpStats reports whether taint statistics are printed at fini.
func (o *Options) DumpStats() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dumpStats
}

// SetStartActive fixes the initial trigger state.
func (o *Options) SetStartActive(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startActive = &v
}

// InitialState is the trigger state at start of run: the configured value if
// set, otherwise active iff no start address and no start symbol exist.
func (o *Options) InitialState() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.startActive != nil {
		return *o.startActive
	}
	return o.startAddrs.Empty() && o.startSymbol == ""
}

// SetGraphPath sets where the flow graph is written at fini; "" disables it.
func (o *Options) SetGraphPath(p string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.graphPath = p
}

// GraphPath returns the flow graph output path, or "" when disabled.
func (o *Options) GraphPath() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.graphPath
}

// SetMaxInsn bounds the number of emulated instructions; 0 is unbounded.
func (o *Options) SetMaxInsn(n uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxInsn = n
}

// MaxInsn returns the instruction bound; 0 is unbounded.
func (o *Options) MaxInsn() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.maxInsn
}

// At returns the directives for addr.
func (o *Options) At(addr uint64) Directives {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Directives{
		Start:      o.startAddrs.Contains(addr),
		Stop:       o.stopAddrs.Contains(addr),
		Taint:      o.taintRegs[addr],
		Untaint:    o.untaintRegs[addr],
		TaintMem:   o.taintMem[addr],
		UntaintMem: o.untaintMem[addr],
	}
}

// StartAddrs returns the start addresses in ascending order.
func (o *Options) StartAddrs() []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return sorted(o.startAddrs)
}

// StopAddrs returns the stop addresses in ascending order.
func (o *Options) StopAddrs() []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return sorted(o.stopAddrs)
}

func sorted(s *set.Set[uint64]) []uint64 {
	out := s.Slice()
	slices.Sort(out)
	return out
}
