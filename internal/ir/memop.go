package ir

import (
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

type memMode uint8

const (
	memOffset    memMode = iota // [base, #imm] / [base, index]
	memPreIndex                 // [base, #imm]!
	memPostIndex                // [base], #imm
	memPCRel                    // literal pool
)

// memOperand is the static shape of a memory operand. The address itself is
// only known per dynamic execution.
type memOperand struct {
	mode     memMode
	base     Reg
	index    regOperand
	hasIndex bool
	extend   string // UXTW, SXTW, LSL, UXTX, SXTX
	shift    uint8
	offset   int64
}

// parseMem converts a decoder memory argument.
func parseMem(a arm64asm.Arg) (memOperand, bool) {
	switch m := a.(type) {
	case arm64asm.MemImmediate:
		base, ok := fromArm64SP(m.Base)
		if !ok || base.zero {
			return memOperand{}, false
		}
		mo := memOperand{base: base.reg, offset: immediateOf(m.String())}
		switch m.Mode {
		case arm64asm.AddrPreIndex:
			mo.mode = memPreIndex
		case arm64asm.AddrPostIndex, arm64asm.AddrPostReg:
			mo.mode = memPostIndex
			mo.offset = 0
		default:
			mo.mode = memOffset
		}
		return mo, true
	case arm64asm.MemExtend:
		base, ok := fromArm64SP(m.Base)
		if !ok || base.zero {
			return memOperand{}, false
		}
		idx, ok := fromArm64(m.Index)
		if !ok {
			return memOperand{}, false
		}
		mo := memOperand{
			mode:     memOffset,
			base:     base.reg,
			index:    idx,
			hasIndex: true,
			extend:   m.Extend.String(),
		}
		if !m.ShiftMustBeZero {
			mo.shift = m.Amount
		}
		return mo, true
	case arm64asm.PCRel:
		return memOperand{mode: memPCRel, offset: int64(m)}, true
	}
	return memOperand{}, false
}

// immediateOf extracts the signed "#imm" from a memory operand's text form,
// e.g. "[X1,#-16]!" -> -16. The decoder keeps the value unexported.
func immediateOf(text string) int64 {
	i := strings.IndexByte(text, '#')
	if i < 0 {
		return 0
	}
	s := text[i+1:]
	if j := strings.IndexAny(s, "]!, "); j >= 0 {
		s = s[:j]
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0
	}
	return v
}

// address evaluates the operand against live register state. For
// post-index forms the access uses the base before the update.
func (m *memOperand) address(pc uint64, ctx Context) uint64 {
	if m.mode == memPCRel {
		return pc + uint64(m.offset)
	}
	addr := ctx.ReadReg(m.base)
	if m.hasIndex && !m.index.zero {
		idx := ctx.ReadReg(m.index.reg)
		switch m.extend {
		case "UXTW":
			idx = uint64(uint32(idx))
		case "SXTW":
			idx = uint64(int64(int32(uint32(idx))))
		}
		addr += idx << m.shift
	}
	if m.mode != memPostIndex {
		addr += uint64(m.offset)
	}
	return addr
}
