// Package orchestrator composes the analysis pipeline. It is the substrate's
// per-instruction handler: it applies configured directives, gates on the
// trigger, runs the instruction through its builder and records the result.
package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zboralski/taintrace/internal/config"
	"github.com/zboralski/taintrace/internal/emulator"
	"github.com/zboralski/taintrace/internal/flowgraph"
	"github.com/zboralski/taintrace/internal/ir"
	glog "github.com/zboralski/taintrace/internal/log"
	"github.com/zboralski/taintrace/internal/taint"
	"github.com/zboralski/taintrace/internal/trace"
	"github.com/zboralski/taintrace/internal/trigger"
)

// ErrHalted is returned for every event after a fatal error.
var ErrHalted = errors.New("orchestrator halted")

// CallbackError reports a failed before or after callback.
type CallbackError struct {
	Kind    config.CallbackKind
	Address uint64
	Thread  uint32
	Err     error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback at 0x%x (thread %d): %v", e.Kind, e.Address, e.Thread, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Substrate is the instrumentation engine the orchestrator attaches to.
type Substrate interface {
	OnInstruction(emulator.InstructionFunc)
	OnImageLoad(emulator.ImageFunc)
	OnFini(func())
	HookAddress(addr uint64, fn emulator.AddressHookFunc)
	Symbolize(addr uint64) string
	Stop()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards.
func WithLogger(l *glog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithHalt sets the function called once on a fatal error.
func WithHalt(fn func()) Option {
	return func(o *Orchestrator) { o.halt = fn }
}

// WithTrigger shares an existing trigger instead of creating one from the
// configured initial state.
func WithTrigger(t *trigger.Trigger) Option {
	return func(o *Orchestrator) { o.trig = t }
}

// WithOutput sets where end-of-run dumps are written. The default is stdout.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

type frame struct {
	ret uint64
	sp  uint64
}

// Orchestrator is safe for concurrent use; instruction events from different
// threads are serialized only around processing and trace append.
type Orchestrator struct {
	opts *config.Options
	proc *taint.Processor
	tr   *trace.Trace
	trig *trigger.Trigger
	log  *glog.Logger
	halt func()
	out  io.Writer

	symbolize func(uint64) string
	hooker    func(uint64, emulator.AddressHookFunc)

	// pipeline keeps trace order equal to taint-state order.
	pipeline sync.Mutex

	failed atomic.Bool
	errMu  sync.Mutex
	err    error

	framesMu  sync.Mutex
	frames    map[uint32][]frame
	exitHooks map[uint64]bool
}

// New creates an orchestrator over the given configuration and state.
func New(opts *config.Options, proc *taint.Processor, tr *trace.Trace, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opts:      opts,
		proc:      proc,
		tr:        tr,
		log:       glog.NewNop(),
		out:       os.Stdout,
		frames:    make(map[uint32][]frame),
		exitHooks: make(map[uint64]bool),
	}
	for _, opt := range options {
		opt(o)
	}
	if o.trig == nil {
		o.trig = trigger.New(opts.InitialState())
	}
	return o
}

// Attach registers the orchestrator as the substrate's instruction, image and
// fini handler. The substrate's Stop becomes the halt function unless one was
// set.
func (o *Orchestrator) Attach(s Substrate) {
	if o.halt == nil {
		o.halt = s.Stop
	}
	o.symbolize = s.Symbolize
	o.hooker = s.HookAddress
	s.OnInstruction(o.OnInstruction)
	s.OnImageLoad(o.OnImageLoad)
	s.OnFini(func() {
		if err := o.OnFini(); err != nil {
			o.log.Error("fini", zap.Error(err))
		}
	})
}

// Active reports whether analysis is active.
func (o *Orchestrator) Active() bool {
	return o.trig.State()
}

// Toggle sets the trigger. It is the entry point for symbol hooks.
func (o *Orchestrator) Toggle(active bool) {
	o.toggle(0, 0, active, "toggle")
}

func (o *Orchestrator) toggle(pc uint64, tid uint32, active bool, source string) {
	if !o.trig.Update(active) {
		return
	}
	o.log.Activation(pc, active, source)
	name := "stop"
	if active {
		name = "start"
	}
	ev := trace.NewEvent(pc, trace.Activation, name, source)
	ev.Thread = tid
	o.tr.AddEvent(ev)
}

// Err returns the fatal error, if any.
func (o *Orchestrator) Err() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}

func (o *Orchestrator) fail(err error) error {
	o.errMu.Lock()
	first := o.err == nil
	if first {
		o.err = err
	}
	o.errMu.Unlock()
	if !first {
		return err
	}
	o.failed.Store(true)
	o.log.Error("analysis halted", zap.Error(err))
	if o.halt != nil {
		o.halt()
	}
	return err
}

// OnInstruction adapts Handle to the substrate's instruction event.
func (o *Orchestrator) OnInstruction(ev emulator.InstructionEvent) error {
	return o.Handle(ev.Builder, ev.Context, ev.HasEA, ev.EA)
}

// Handle runs one dynamic instruction through the pipeline:
// directives and trigger transitions, the before callback, the gate,
// processing and append, then the after callback.
//
// A stop address is itself excluded: stop applies before the gate.
func (o *Orchestrator) Handle(b *ir.Builder, ctx ir.Context, hasEA bool, ea uint64) error {
	if o.failed.Load() {
		return ErrHalted
	}
	addr := b.Address()
	tid := ctx.ThreadID()

	d := o.opts.At(addr)
	if d.Start {
		o.toggle(addr, tid, true, "address")
	}
	if d.Stop {
		o.toggle(addr, tid, false, "address")
	}
	o.applyDirectives(addr, tid, d)

	active := o.trig.State()
	if active {
		if err := o.callback(config.Before, o.opts.Before(), addr, tid); err != nil {
			return err
		}
	}
	if !active {
		return nil
	}

	o.pipeline.Lock()
	if hasEA {
		b.Setup(ea)
	}
	rec := b.Process(ctx, o.proc)
	o.tr.Add(rec)
	o.pipeline.Unlock()

	if o.trig.State() {
		return o.callback(config.After, o.opts.After(), addr, tid)
	}
	return nil
}

func (o *Orchestrator) callback(kind config.CallbackKind, fn config.Callback, addr uint64, tid uint32) error {
	if fn == nil {
		return nil
	}
	if err := fn(config.Event{Address: addr, ThreadID: tid}); err != nil {
		return o.fail(&CallbackError{Kind: kind, Address: addr, Thread: tid, Err: err})
	}
	return nil
}

// applyDirectives applies taint then untaint, registers then memory.
// Directives apply whether or not analysis is active; they are traced only
// while it is.
func (o *Orchestrator) applyDirectives(addr uint64, tid uint32, d config.Directives) {
	if len(d.Taint)+len(d.Untaint)+len(d.TaintMem)+len(d.UntaintMem) == 0 {
		return
	}
	note := func(op, target string) {
		o.log.Directive(addr, op, target)
		if o.trig.State() {
			ev := trace.NewEvent(addr, trace.Directive, op, target)
			ev.Thread = tid
			o.tr.AddEvent(ev)
		}
	}
	for _, r := range d.Taint {
		o.proc.TaintReg(r)
		note("taint", r.String())
	}
	for _, r := range d.Untaint {
		o.proc.UntaintReg(r)
		note("untaint", r.String())
	}
	for _, m := range d.TaintMem {
		o.proc.TaintMem(m.Addr, m.Size)
		note("taint", fmt.Sprintf("[0x%x:%d]", m.Addr, m.Size))
	}
	for _, m := range d.UntaintMem {
		o.proc.UntaintMem(m.Addr, m.Size)
		note("untaint", fmt.Sprintf("[0x%x:%d]", m.Addr, m.Size))
	}
}

// OnImageLoad installs the start symbol's enter hook when the image defines
// it. The matching exit hook is installed at the return address on entry.
func (o *Orchestrator) OnImageLoad(img *emulator.Image) {
	sym := o.opts.StartSymbol()
	if sym == "" {
		return
	}
	addr, ok := img.ResolveSymbol(sym)
	if !ok {
		o.log.Warn("start symbol not found", glog.Fn(sym), zap.String("image", img.Path))
		return
	}
	if o.hooker == nil {
		o.log.Warn("no substrate attached, symbol hook skipped", glog.Fn(sym))
		return
	}
	o.hooker(addr, func(e *emulator.Emulator) bool {
		o.enter(sym, addr, e.ThreadID(), e.LR(), e.SP())
		return false
	})
	o.log.HookInstall("symbol", sym, addr)
}

// enter pushes a return frame and activates analysis. Recursive entries
// stack; analysis stays active until the outermost frame returns.
func (o *Orchestrator) enter(sym string, addr uint64, tid uint32, ret, sp uint64) {
	o.framesMu.Lock()
	o.frames[tid] = append(o.frames[tid], frame{ret: ret, sp: sp})
	install := !o.exitHooks[ret]
	o.exitHooks[ret] = true
	o.framesMu.Unlock()

	if install && o.hooker != nil {
		o.hooker(ret, func(e *emulator.Emulator) bool {
			o.exit(e.ThreadID(), ret, e.SP())
			return false
		})
	}
	o.toggle(addr, tid, true, sym)
}

// exit pops the frame returning to ret with the caller's stack pointer.
// Frames below sp were unwound without returning and are dropped.
func (o *Orchestrator) exit(tid uint32, ret, sp uint64) {
	o.framesMu.Lock()
	stack := o.frames[tid]
	for len(stack) > 0 && stack[len(stack)-1].sp < sp {
		stack = stack[:len(stack)-1]
	}
	popped := false
	if n := len(stack); n > 0 && stack[n-1].ret == ret && stack[n-1].sp == sp {
		stack = stack[:n-1]
		popped = true
	}
	o.frames[tid] = stack
	outermost := len(stack) == 0
	o.framesMu.Unlock()

	o.log.Debug("return", glog.Addr(ret), glog.Thread(tid), zap.Int("depth", len(stack)), zap.Bool("matched", popped))

	if popped && outermost {
		o.toggle(ret, tid, false, "return")
	}
}

// OnFini writes the configured end-of-run output.
func (o *Orchestrator) OnFini() error {
	var errs []error
	if o.opts.DumpTrace() {
		if err := o.tr.Display(o.out, trace.DisplayOptions{Symbolize: o.symbolize}); err != nil {
			errs = append(errs, fmt.Errorf("display trace: %w", err))
		}
	}
	if o.opts.DumpStats() {
		if err := o.proc.DisplayStats(o.out); err != nil {
			errs = append(errs, fmt.Errorf("display stats: %w", err))
		}
	}
	if path := o.opts.GraphPath(); path != "" {
		if err := flowgraph.WriteFile(path, o.tr.Records()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
