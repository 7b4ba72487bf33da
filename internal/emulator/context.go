package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/taintrace/internal/ir"
)

// Context is the live ir.Context handed to instruction handlers. It reads
// the engine's registers directly and expires when the handler returns.
type Context struct {
	e     *Emulator
	tid   uint32
	valid bool
}

var _ ir.Context = (*Context)(nil)

func (c *Context) check() {
	if !c.valid {
		panic("emulator: context used outside its instruction callback")
	}
}

func (c *Context) ThreadID() uint32 { return c.tid }

func (c *Context) ReadReg(r ir.Reg) uint64 {
	ir.MustValid(r, "read")
	c.check()
	v, err := c.e.mu.RegRead(ucReg(r))
	mustAccess("read", r, err)
	return v
}

func (c *Context) WriteReg(r ir.Reg, v uint64) {
	ir.MustValid(r, "write")
	c.check()
	mustAccess("write", r, c.e.mu.RegWrite(ucReg(r), v))
}

// mustAccess panics when the engine rejects a register access. A handler
// that cannot see or set a register would otherwise work on stale values.
func mustAccess(op string, r ir.Reg, err error) {
	if err != nil {
		panic(fmt.Errorf("emulator: %s %v: %w", op, r, err))
	}
}

func (c *Context) ReadMemory(addr, size uint64) ([]byte, error) {
	c.check()
	return c.e.mu.MemRead(addr, size)
}

// ucReg maps a register id to Unicorn's numbering, where X29 and X30 are
// not contiguous with X0..X28.
func ucReg(r ir.Reg) int {
	switch {
	case r <= ir.X28:
		return uc.ARM64_REG_X0 + int(r)
	case r == ir.X29:
		return uc.ARM64_REG_X29
	case r == ir.X30:
		return uc.ARM64_REG_X30
	case r == ir.SP:
		return uc.ARM64_REG_SP
	case r == ir.PC:
		return uc.ARM64_REG_PC
	case r == ir.NZCV:
		return uc.ARM64_REG_NZCV
	}
	panic(&ir.InvalidRegisterError{Reg: r, Op: "map"})
}
