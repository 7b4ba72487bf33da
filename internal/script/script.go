// Package script is the JavaScript front end that populates config.Options.
//
// A script runs once before emulation starts. It may register callbacks,
// which are later invoked from the instruction path:
//
//	startAnalysisFromSymbol("check_key");
//	taintRegFromAddr(0x10100, [REG.X0, REG.X1]);
//	addCallback(function (addr, tid) {
//	    log("at", addr.toString(16));
//	}, CB_BEFORE);
//	dumpTrace(true);
package script

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/taintrace/internal/config"
	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/log"
)

// ErrCallbackFalse is returned when a callback explicitly returns false.
var ErrCallbackFalse = errors.New("callback returned false")

// Runtime owns one goja VM. goja is single-threaded, so every entry into the
// VM, including callbacks fired from the instruction path, holds mu.
type Runtime struct {
	mu   sync.Mutex
	vm   *goja.Runtime
	opts *config.Options
	log  *log.Logger
}

// New creates a runtime bound to opts with the script API installed.
func New(opts *config.Options, l *log.Logger) *Runtime {
	r := &Runtime{
		vm:   goja.New(),
		opts: opts,
		log:  l.WithCategory("script"),
	}
	r.install()
	return r
}

// RunFile executes the script at path.
func (r *Runtime) RunFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read script: %w", err)
	}
	return r.RunString(path, string(src))
}

// RunString executes src; name is used in error positions.
func (r *Runtime) RunString(name, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.vm.RunScript(name, src); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

func (r *Runtime) install() {
	vm := r.vm

	regs := vm.NewObject()
	for id := ir.Reg(0); id < ir.NumRegs; id++ {
		_ = regs.Set(strings.ToUpper(id.String()), int64(id))
	}
	_ = regs.Set("LR", int64(ir.LR))
	_ = regs.Set("FP", int64(ir.FP))
	_ = vm.Set("REG", regs)
	_ = vm.Set("CB_BEFORE", int64(config.Before))
	_ = vm.Set("CB_AFTER", int64(config.After))

	_ = vm.Set("startAnalysisFromAddr", func(call goja.FunctionCall) goja.Value {
		r.opts.AddStartAddr(r.addr(call.Argument(0)))
		return goja.Undefined()
	})
	_ = vm.Set("stopAnalysisFromAddr", func(call goja.FunctionCall) goja.Value {
		r.opts.AddStopAddr(r.addr(call.Argument(0)))
		return goja.Undefined()
	})
	_ = vm.Set("startAnalysisFromSymbol", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0)
		if goja.IsUndefined(name) || goja.IsNull(name) || name.String() == "" {
			panic(vm.NewTypeError("startAnalysisFromSymbol: symbol name required"))
		}
		r.opts.SetStartSymbol(name.String())
		return goja.Undefined()
	})
	_ = vm.Set("taintRegFromAddr", func(call goja.FunctionCall) goja.Value {
		r.opts.AddTaintRegs(r.addr(call.Argument(0)), r.regList(call.Argument(1))...)
		return goja.Undefined()
	})
	_ = vm.Set("untaintRegFromAddr", func(call goja.FunctionCall) goja.Value {
		r.opts.AddUntaintRegs(r.addr(call.Argument(0)), r.regList(call.Argument(1))...)
		return goja.Undefined()
	})
	_ = vm.Set("taintMemFromAddr", func(call goja.FunctionCall) goja.Value {
		r.opts.AddTaintMem(r.addr(call.Argument(0)), r.memRange(call))
		return goja.Undefined()
	})
	_ = vm.Set("untaintMemFromAddr", func(call goja.FunctionCall) goja.Value {
		r.opts.AddUntaintMem(r.addr(call.Argument(0)), r.memRange(call))
		return goja.Undefined()
	})
	_ = vm.Set("addCallback", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("addCallback: first argument must be a function"))
		}
		kind := config.CallbackKind(call.Argument(1).ToInteger())
		if kind != config.Before && kind != config.After {
			panic(vm.NewTypeError("addCallback: kind must be CB_BEFORE or CB_AFTER"))
		}
		r.opts.SetCallback(kind, r.wrap(kind, fn))
		return goja.Undefined()
	})
	_ = vm.Set("dumpTrace", func(call goja.FunctionCall) goja.Value {
		r.opts.SetDumpTrace(call.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	_ = vm.Set("dumpStats", func(call goja.FunctionCall) goja.Value {
		r.opts.SetDumpStats(call.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	_ = vm.Set("startActive", func(call goja.FunctionCall) goja.Value {
		r.opts.SetStartActive(call.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	_ = vm.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		r.log.Info(fmt.Sprint(args...))
		return goja.Undefined()
	})
}

// wrap adapts a script function to a config.Callback. A throw or an explicit
// false return is a failure.
func (r *Runtime) wrap(kind config.CallbackKind, fn goja.Callable) config.Callback {
	return func(ev config.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		res, err := fn(goja.Undefined(), r.vm.ToValue(ev.Address), r.vm.ToValue(ev.ThreadID))
		if err != nil {
			r.log.Error("callback threw", zap.String("kind", kind.String()), log.Addr(ev.Address), zap.Error(err))
			return err
		}
		if res == nil {
			return nil
		}
		if b, ok := res.Export().(bool); ok && !b {
			return ErrCallbackFalse
		}
		return nil
	}
}

// addr converts a number or a "0x..." string. Called with mu held from RunString.
func (r *Runtime) addr(v goja.Value) uint64 {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(r.vm.NewTypeError("address required"))
	}
	if s, ok := v.Export().(string); ok {
		a, err := config.ParseAddr(s)
		if err != nil {
			panic(r.vm.NewTypeError(err.Error()))
		}
		return a
	}
	return uint64(v.ToInteger())
}

func (r *Runtime) regList(v goja.Value) []ir.Reg {
	items, ok := v.Export().([]any)
	if !ok {
		panic(r.vm.NewTypeError("register list must be an array"))
	}
	regs := make([]ir.Reg, 0, len(items))
	for _, it := range items {
		var reg ir.Reg
		switch x := it.(type) {
		case string:
			p, err := ir.ParseReg(x)
			if err != nil {
				panic(r.vm.NewTypeError(err.Error()))
			}
			reg = p
		case int64:
			if x < 0 || x >= int64(ir.NumRegs) {
				panic(r.vm.NewTypeError(fmt.Sprintf("invalid register id %d", x)))
			}
			reg = ir.Reg(x)
		case float64:
			if x < 0 || x >= float64(ir.NumRegs) || x != math.Trunc(x) {
				panic(r.vm.NewTypeError(fmt.Sprintf("invalid register id %v", x)))
			}
			reg = ir.Reg(x)
		default:
			panic(r.vm.NewTypeError(fmt.Sprintf("invalid register %v", it)))
		}
		regs = append(regs, reg)
	}
	return regs
}

func (r *Runtime) memRange(call goja.FunctionCall) config.MemRange {
	size := call.Argument(2).ToInteger()
	if size <= 0 {
		panic(r.vm.NewTypeError("size must be positive"))
	}
	m := config.MemRange{Addr: r.addr(call.Argument(1)), Size: uint64(size)}
	if err := m.Validate(); err != nil {
		panic(r.vm.NewTypeError(err.Error()))
	}
	return m
}
