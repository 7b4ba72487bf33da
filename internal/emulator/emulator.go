// Package emulator is the instrumentation substrate: an ARM64 Unicorn engine
// that delivers per-instruction, image-load and end-of-run events.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/taintrace/internal/ir"
)

// Memory layout
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB
	TLSBase   = 0xDEAC0000
	TLSSize   = 0x00010000
	StubBase  = 0xF0000000
	StubSize  = 0x00100000
)

// ReturnAddr is where Call returns to. Reaching it ends the run cleanly.
const ReturnAddr = StubBase

// StackCanaryAddr holds the deterministic stack protector value.
const StackCanaryAddr = TLSBase + 0x28

// ErrInsnLimit is returned by Run when the instruction budget is exhausted.
var ErrInsnLimit = errors.New("instruction limit reached")

// InstructionEvent describes one dynamic instruction before it executes.
// Context is only valid until the InstructionFunc returns.
type InstructionEvent struct {
	Builder  *ir.Builder
	HasEA    bool
	EA       uint64
	ThreadID uint32
	Context  ir.Context
}

// InstructionFunc handles an instruction event. A non-nil error stops the run
// and is returned from Run.
type InstructionFunc func(InstructionEvent) error

// ImageFunc is called after an image is mapped.
type ImageFunc func(*Image)

// AddressHookFunc runs when execution reaches an address, before any
// instruction event. Return true to stop emulation.
type AddressHookFunc func(emu *Emulator) bool

// Emulator wraps Unicorn for ARM64 emulation. It is not safe for concurrent
// use; hooks run on the goroutine that called Run.
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint64

	addrHooks   map[uint64][]AddressHookFunc
	addrHooksMu sync.RWMutex

	builders map[uint64]*ir.Builder

	insnFns  []InstructionFunc
	imageFns []ImageFunc
	finiFns  []func()
	finiOnce sync.Once
	images   []*Image

	ctx     Context
	tid     uint32
	maxInsn uint64
	count   uint64

	stopped  bool
	limitHit bool
	err      error
}

// New creates an emulator with stack, heap, TLS and stub regions mapped.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64][]AddressHookFunc),
		builders:  make(map[uint64]*ir.Builder),
		tid:       1,
	}
	emu.ctx.e = emu

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}
	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	if err := e.mu.RegWrite(uc.ARM64_REG_SP, StackBase+StackSize-0x1000); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer; the stack protector reads TLS+0x28.
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}
	if err := e.MemWriteU64(StackCanaryAddr, 0xDEADBEEFDEADBEEF); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	// RET at the return sentinel; the hook stops before it executes.
	if err := e.mu.MemWrite(ReturnAddr, []byte{0xc0, 0x03, 0x5f, 0xd6}); err != nil {
		return fmt.Errorf("write return sentinel: %w", err)
	}
	e.addrHooks[ReturnAddr] = []AddressHookFunc{func(*Emulator) bool { return true }}
	return nil
}

func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		e.step(addr, size)
	}, 1, 0)
	return err
}

// step runs address hooks, then instruction handlers, for one instruction.
func (e *Emulator) step(addr uint64, size uint32) {
	if e.stopped {
		e.mu.Stop()
		return
	}
	if e.maxInsn > 0 && e.count >= e.maxInsn {
		e.limitHit = true
		e.Stop()
		return
	}
	e.count++

	e.addrHooksMu.RLock()
	hooks := e.addrHooks[addr]
	e.addrHooksMu.RUnlock()
	// Every hook at the address runs, so a stop request cannot starve a
	// later hook such as a frame exit at ReturnAddr.
	stop := false
	for _, h := range hooks {
		if h(e) {
			stop = true
		}
	}
	if stop {
		e.Stop()
		return
	}
	// A hook that redirected PC replaced this instruction.
	if len(hooks) > 0 && e.PC() != addr {
		return
	}
	if len(e.insnFns) == 0 {
		return
	}

	b := e.builder(addr, size)
	ev := InstructionEvent{Builder: b, ThreadID: e.tid, Context: &e.ctx}
	e.ctx.tid = e.tid
	e.ctx.valid = true
	defer func() { e.ctx.valid = false }()

	if ea, ok := b.EffectiveAddress(&e.ctx); ok {
		ev.HasEA, ev.EA = true, ea
	}
	for _, fn := range e.insnFns {
		if err := fn(ev); err != nil {
			e.fail(err)
			return
		}
	}
}

func (e *Emulator) builder(addr uint64, size uint32) *ir.Builder {
	if b, ok := e.builders[addr]; ok {
		return b
	}
	code, err := e.mu.MemRead(addr, uint64(size))
	if err != nil {
		code = nil
	}
	b := ir.NewBuilder(addr, code)
	e.builders[addr] = b
	return b
}

func (e *Emulator) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	e.Stop()
}

// OnInstruction registers fn for every instruction executed.
func (e *Emulator) OnInstruction(fn InstructionFunc) {
	e.insnFns = append(e.insnFns, fn)
}

// OnImageLoad registers fn for every image loaded after this call.
func (e *Emulator) OnImageLoad(fn ImageFunc) {
	e.imageFns = append(e.imageFns, fn)
}

// OnFini registers fn to run once when Fini is called.
func (e *Emulator) OnFini(fn func()) {
	e.finiFns = append(e.finiFns, fn)
}

// Fini runs the end-of-run handlers. Only the first call has an effect.
func (e *Emulator) Fini() {
	e.finiOnce.Do(func() {
		for _, fn := range e.finiFns {
			fn()
		}
	})
}

func (e *Emulator) notifyImage(img *Image) {
	e.images = append(e.images, img)
	clear(e.builders)
	for _, fn := range e.imageFns {
		fn(img)
	}
}

// Images returns the loaded images in load order.
func (e *Emulator) Images() []*Image {
	return e.images
}

// Symbolize returns the symbol that starts at addr in any loaded image.
func (e *Emulator) Symbolize(addr uint64) string {
	for _, img := range e.images {
		if name := img.SymbolAt(addr); name != "" {
			return name
		}
	}
	return ""
}

// SetThreadID sets the thread id attached to subsequent events.
func (e *Emulator) SetThreadID(tid uint32) {
	e.tid = tid
}

// ThreadID returns the current thread id.
func (e *Emulator) ThreadID() uint32 {
	return e.tid
}

// SetMaxInsn bounds the number of instructions per run; 0 is unbounded.
func (e *Emulator) SetMaxInsn(n uint64) {
	e.maxInsn = n
}

// Executed returns the number of instructions reached in the last run.
func (e *Emulator) Executed() uint64 {
	return e.count
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	clear(e.builders)
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a little-endian uint64
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a little-endian uint64
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadString reads a NUL-terminated string of at most maxLen bytes.
// The read stops early at the end of a mapped region.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	var out []byte
	const chunk = 64
	for len(out) < maxLen {
		n := min(chunk, maxLen-len(out))
		data, err := e.mu.MemRead(addr+uint64(len(out)), uint64(n))
		if err != nil {
			if len(out) == 0 {
				return "", err
			}
			break
		}
		for i, b := range data {
			if b == 0 {
				return string(append(out, data[:i]...)), nil
			}
		}
		out = append(out, data...)
	}
	return string(out), nil
}

// MemWriteString writes s followed by a NUL byte
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return e.mu.MemWrite(addr, append([]byte(s), 0))
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(ucReg(ir.Reg(n)))
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(ucReg(ir.Reg(n)), val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_X30)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_X30, val)
}

// Malloc allocates from the heap (bump allocator, 16-byte aligned).
// Panics if the heap is exhausted.
func (e *Emulator) Malloc(size uint64) uint64 {
	addr, ok := e.TryMalloc(size)
	if !ok {
		panic("heap exhausted")
	}
	return addr
}

// TryMalloc is Malloc for guest requests: it reports false instead of
// panicking when size does not fit in the remaining heap.
func (e *Emulator) TryMalloc(size uint64) (uint64, bool) {
	free := HeapBase + HeapSize - e.heapPtr
	if size > free {
		return 0, false
	}
	size = (size + 15) & ^uint64(15)
	if size > free {
		return 0, false
	}
	addr := e.heapPtr
	e.heapPtr += size
	return addr, true
}

// HookAddress adds a hook for a specific address. Hooks at the same address
// run in registration order; all of them run even when one requests a stop.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = append(e.addrHooks[addr], fn)
}

// RemoveAddressHooks removes every hook at addr.
func (e *Emulator) RemoveAddressHooks(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run emulates from start until end, a stop, or an error. A handler error
// takes precedence over the engine's own error.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	e.limitHit = false
	e.count = 0
	err := e.mu.Start(start, end)
	switch {
	case e.err != nil:
		return e.err
	case e.limitHit:
		return fmt.Errorf("after %d instructions: %w", e.count, ErrInsnLimit)
	case err != nil:
		return fmt.Errorf("emulation stopped at 0x%x: %w", e.PC(), err)
	}
	return nil
}

// Call runs the function at entry with up to eight integer arguments and
// returns X0. The function returns into ReturnAddr, which ends the run.
func (e *Emulator) Call(entry uint64, args ...uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("call 0x%x: %d arguments, at most 8 supported", entry, len(args))
	}
	for i, a := range args {
		if err := e.SetX(i, a); err != nil {
			return 0, err
		}
	}
	if err := e.SetLR(ReturnAddr); err != nil {
		return 0, err
	}
	if err := e.Run(entry, 0); err != nil {
		return 0, err
	}
	return e.X(0), nil
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Err returns the first handler error of the last run.
func (e *Emulator) Err() error {
	return e.err
}
