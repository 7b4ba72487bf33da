// Package ir builds per-instruction semantic units for ARM64 code and
// defines the register, context, and record types they operate on.
package ir

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Reg identifies a taintable ARM64 register. W registers alias their X register.
type Reg uint16

// Register identifiers. X29 is the frame pointer and X30 the link register.
const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	SP
	PC
	NZCV

	// NumRegs is the number of valid register ids.
	NumRegs
)

// Aliases
const (
	FP = X29
	LR = X30
)

// InvalidRegisterError is raised (as a panic) when an operation is handed a
// register id outside the supported set. Skipping the operation would silently
// drop taint, so callers must treat it as a logic error.
type InvalidRegisterError struct {
	Reg Reg
	Op  string
}

func (e *InvalidRegisterError) Error() string {
	return fmt.Sprintf("%s: invalid register id %d", e.Op, uint16(e.Reg))
}

// Valid reports whether r is a supported register id.
func (r Reg) Valid() bool {
	return r < NumRegs
}

// MustValid panics with *InvalidRegisterError if r is not supported.
func MustValid(r Reg, op string) {
	if r >= NumRegs {
		panic(&InvalidRegisterError{Reg: r, Op: op})
	}
}

func (r Reg) String() string {
	switch {
	case r <= X30:
		return "x" + strconv.Itoa(int(r))
	case r == SP:
		return "sp"
	case r == PC:
		return "pc"
	case r == NZCV:
		return "nzcv"
	}
	return "reg(" + strconv.Itoa(int(r)) + ")"
}

// ParseReg parses a register name such as "x0", "w3", "lr", "fp", "sp" or "nzcv".
// Case is ignored. Zero registers are not taintable and are rejected.
func ParseReg(name string) (Reg, error) {
	r, zero, ok := lookupName(strings.ToLower(strings.TrimSpace(name)))
	if !ok || zero {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return r, nil
}

// lookupName maps a lower-case register name to an id. zero is true for xzr/wzr.
func lookupName(name string) (r Reg, zero, ok bool) {
	switch name {
	case "sp", "wsp":
		return SP, false, true
	case "pc":
		return PC, false, true
	case "nzcv", "flags":
		return NZCV, false, true
	case "lr":
		return LR, false, true
	case "fp":
		return FP, false, true
	case "xzr", "wzr":
		return 0, true, true
	}
	if len(name) < 2 || (name[0] != 'x' && name[0] != 'w') {
		return 0, false, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n > 30 {
		return 0, false, false
	}
	return Reg(n), false, true
}

// regOperand is a general-purpose register operand as seen by the decoder.
type regOperand struct {
	reg  Reg
	zero bool // xzr/wzr: reads as zero, writes are discarded
	wide bool // 64-bit view
}

// fromArm64 converts a decoder register. ok is false for SIMD/FP registers.
func fromArm64(r arm64asm.Reg) (regOperand, bool) {
	switch {
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return regOperand{reg: Reg(r - arm64asm.W0)}, true
	case r == arm64asm.WZR:
		return regOperand{zero: true}, true
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return regOperand{reg: Reg(r - arm64asm.X0), wide: true}, true
	case r == arm64asm.XZR:
		return regOperand{zero: true, wide: true}, true
	}
	return regOperand{}, false
}

// fromArm64SP converts a register that encodes SP where a plain register encodes the zero register.
func fromArm64SP(r arm64asm.RegSP) (regOperand, bool) {
	switch arm64asm.Reg(r) {
	case arm64asm.XZR:
		return regOperand{reg: SP, wide: true}, true
	case arm64asm.WZR:
		return regOperand{reg: SP}, true
	}
	return fromArm64(arm64asm.Reg(r))
}

// regFromText resolves the leading register name of an operand's text form,
// e.g. "X2, LSL #3" or "W1, UXTW". Used for operand types whose register
// field the decoder does not export.
func regFromText(text string) (regOperand, bool) {
	name := text
	if i := strings.IndexAny(name, ", "); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	r, zero, ok := lookupName(name)
	if !ok {
		return regOperand{}, false
	}
	return regOperand{reg: r, zero: zero, wide: name[0] != 'w'}, true
}
