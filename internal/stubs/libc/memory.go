// Package libc provides taint-aware stubs for libc allocation, memory and
// string routines.
package libc

import (
	"math/bits"

	"github.com/zboralski/taintrace/internal/stubs"
	"github.com/zboralski/taintrace/internal/trace"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})

	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubNew,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubDelete,
		Category: "libc",
	})
}

// maxCopy bounds the bytes a stub moves in one call.
const maxCopy = 0x100000

// alloc returns zeroed, untainted heap memory. The pointer itself carries no
// taint even when the size did.
func alloc(env *stubs.Env, name string, size uint64) {
	if size == 0 {
		size = 16
	}
	ptr, ok := env.Emu.TryMalloc(size)
	if !ok {
		env.Record(trace.Libc, name, stubs.FormatPtrPair("size", size, "->", 0))
		env.Return(0, false)
		return
	}
	_ = env.Emu.MemWrite(ptr, make([]byte, min(size, 4096)))
	if env.Propagating() {
		env.Taint.UntaintMem(ptr, size)
	}

	env.Record(trace.Libc, name, stubs.FormatPtrPair("size", size, "->", ptr))
	env.Return(ptr, false)
}

func stubMalloc(env *stubs.Env) bool {
	alloc(env, "malloc", env.Emu.X(0))
	return false
}

func stubCalloc(env *stubs.Env) bool {
	hi, size := bits.Mul64(env.Emu.X(0), env.Emu.X(1))
	if hi != 0 {
		env.Record(trace.Libc, "calloc", "overflow -> 0x0")
		env.Return(0, false)
		return false
	}
	alloc(env, "calloc", size)
	return false
}

func stubNew(env *stubs.Env) bool {
	alloc(env, "new", env.Emu.X(0))
	return false
}

// realloc moves the old block and its taint into a fresh one. The old size is
// unknown to the bump allocator, so at most the new size is copied.
func stubRealloc(env *stubs.Env) bool {
	old := env.Emu.X(0)
	size := env.Emu.X(1)
	if size == 0 {
		size = 16
	}
	ptr, ok := env.Emu.TryMalloc(size)
	if !ok {
		env.Record(trace.Libc, "realloc", stubs.FormatPtrPair("size", size, "->", 0))
		env.Return(0, false)
		return false
	}
	if old != 0 && size <= maxCopy {
		if data, err := env.Emu.MemRead(old, size); err == nil {
			_ = env.Emu.MemWrite(ptr, data)
		}
		if env.Propagating() {
			env.Taint.CopyMem(ptr, old, size)
		}
	}

	env.Record(trace.Libc, "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	env.Return(ptr, false)
	return false
}

func stubFree(env *stubs.Env) bool {
	env.Record(trace.Libc, "free", stubs.FormatPtr("ptr", env.Emu.X(0)))
	stubs.ReturnFromStub(env.Emu)
	return false
}

func stubDelete(env *stubs.Env) bool {
	env.Record(trace.Libc, "delete", stubs.FormatPtr("ptr", env.Emu.X(0)))
	stubs.ReturnFromStub(env.Emu)
	return false
}

func stubGetPageSize(env *stubs.Env) bool {
	env.Record(trace.Libc, "getpagesize", "-> 4096")
	env.Return(4096, false)
	return false
}
