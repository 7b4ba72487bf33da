// Package stubs provides a registry for self-registering replacements of
// imported routines. Each stub package uses init() to register its hooks.
//
// A stub runs in place of the routine's first instruction, so the taint
// engine never sees the routine's body. Stubs that move data therefore carry
// taint themselves through the Env they are handed.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/taintrace/internal/emulator"
	"github.com/zboralski/taintrace/internal/ir"
	glog "github.com/zboralski/taintrace/internal/log"
	"github.com/zboralski/taintrace/internal/taint"
	"github.com/zboralski/taintrace/internal/trace"
)

// Env is what a stub sees when it runs.
type Env struct {
	Emu   *emulator.Emulator
	Taint *taint.Processor
	Trace *trace.Trace
	// Active reports whether analysis is active. Nil means always active.
	Active func() bool
	Log    *glog.Logger
}

// Propagating reports whether the stub should update taint state.
func (env *Env) Propagating() bool {
	if env.Taint == nil {
		return false
	}
	return env.Active == nil || env.Active()
}

// Record logs a stub call and, while analysis is active, adds it to the trace
// as an event at the caller's return address.
func (env *Env) Record(tag trace.Tag, name, detail string) {
	pc := env.Emu.LR()
	if env.Log != nil {
		env.Log.Debug("stub",
			zap.String("cat", string(tag)),
			glog.Fn(name),
			glog.Addr(pc),
			zap.String("detail", detail),
		)
	}
	if env.Trace == nil || (env.Active != nil && !env.Active()) {
		return
	}
	ev := trace.NewEvent(pc, tag, name, detail)
	ev.Thread = env.Emu.ThreadID()
	env.Trace.AddEvent(ev)
}

// Return sets X0 to v, marks it tainted or clean, and returns to the caller.
func (env *Env) Return(v uint64, tainted bool) {
	_ = env.Emu.SetX(0, v)
	if env.Propagating() {
		if tainted {
			env.Taint.TaintReg(ir.X0)
		} else {
			env.Taint.UntaintReg(ir.X0)
		}
	}
	ReturnFromStub(env.Emu)
}

// ArgTainted reports whether argument register n is tainted.
func (env *Env) ArgTainted(n int) bool {
	return env.Propagating() && env.Taint.IsTainted(ir.Reg(n))
}

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(env *Env) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "malloc")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "libc", "cxx", ...
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition

	// Fallbacks installs a stub returning 0 for every import that has no
	// registered stub.
	Fallbacks bool
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs:     make(map[string]*StubDef),
		Fallbacks: true,
	}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Install hooks registered stubs at the image's import (PLT) addresses, then
// at internal symbols of the same name. Unstubbed imports get a fallback when
// Fallbacks is set. Returns the number of hooks installed.
func (r *Registry) Install(env *Env, img *emulator.Image) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	installed := 0
	seen := make(map[uint64]bool)

	install := func(name string, def *StubDef, addr uint64) {
		if addr == 0 || seen[addr] {
			return
		}
		seen[addr] = true
		env.Emu.HookAddress(addr, func(*emulator.Emulator) bool {
			return def.Hook(env)
		})
		installed++
		if env.Log != nil {
			env.Log.HookInstall(def.Category, name, addr)
		}
	}

	for _, name := range sortedNames(img.Imports) {
		if def, ok := r.stubs[name]; ok {
			install(name, def, img.Imports[name])
		}
	}
	for _, name := range sortedNames(img.Symbols) {
		if def, ok := r.stubs[name]; ok {
			install(name, def, img.Symbols[name])
		}
	}

	if !r.Fallbacks {
		return installed
	}
	for _, name := range sortedNames(img.Imports) {
		addr := img.Imports[name]
		if addr == 0 || seen[addr] {
			continue
		}
		seen[addr] = true
		symName := name
		env.Emu.HookAddress(addr, func(*emulator.Emulator) bool {
			env.Record(trace.Fallback, symName, "-> 0")
			env.Return(0, false)
			return false
		})
		installed++
		if env.Log != nil {
			env.Log.HookInstall("fallback", name, addr)
		}
	}
	return installed
}

func sortedNames(m map[string]uint64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the stub registered under name.
func (r *Registry) Lookup(name string) (StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	if !ok {
		return StubDef{}, false
	}
	return *def, true
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names, aliases excluded, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	for name, def := range r.stubs {
		if def.Name == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Install hooks all stubs in the default registry.
func Install(env *Env, img *emulator.Image) int {
	return DefaultRegistry.Install(env, img)
}

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	_ = emu.SetPC(emu.LR())
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
