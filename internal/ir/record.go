package ir

import (
	"fmt"
	"strings"
)

// Kind is the instruction-shape variant selected when a Builder is created.
type Kind uint8

const (
	KindUnmodeled Kind = iota // decode failure or unsupported form
	KindNop                   // no data flow (hints, barriers, prefetch)
	KindMove                  // register to register copy
	KindImmediate             // constant into register
	KindInsert                // MOVK: destination keeps its taint
	KindALU                   // destination <- union of sources
	KindCompare               // flags <- union of sources
	KindSelect                // destination <- sources and flags
	KindLoad
	KindLoadPair
	KindStore
	KindStorePair
	KindBranch
)

var kindNames = [...]string{
	KindUnmodeled: "unmodeled",
	KindNop:       "nop",
	KindMove:      "move",
	KindImmediate: "imm",
	KindInsert:    "insert",
	KindALU:       "alu",
	KindCompare:   "cmp",
	KindSelect:    "select",
	KindLoad:      "load",
	KindLoadPair:  "loadpair",
	KindStore:     "store",
	KindStorePair: "storepair",
	KindBranch:    "branch",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// OperandKind distinguishes register and memory operands in a Record.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
)

// Operand is one register or memory location touched by an instruction.
// Value is the concrete register value before execution; it is zero for
// writes and memory operands.
type Operand struct {
	Kind    OperandKind
	Reg     Reg
	Addr    uint64
	Size    uint8
	Value   uint64
	Tainted bool
}

func (o Operand) String() string {
	var s string
	switch o.Kind {
	case OperandReg:
		s = o.Reg.String()
	case OperandMem:
		s = fmt.Sprintf("[0x%x:%d]", o.Addr, o.Size)
	default:
		return "-"
	}
	if o.Tainted {
		s += "*"
	}
	return s
}

// Record capacities. Fixed so a Record never allocates.
const (
	MaxReads  = 5
	MaxWrites = 3
)

// Record is the immutable result of processing one dynamic instruction.
// It is a value type; copies never alias.
type Record struct {
	Seq     uint64 // assigned by the trace
	Address uint64
	Code    uint32
	Thread  uint32
	Kind    Kind
	Text    string // disassembly, shared with the builder

	Reads     [MaxReads]Operand
	NumReads  uint8
	Writes    [MaxWrites]Operand
	NumWrites uint8

	HasEA bool
	EA    uint64

	// Tainted is true when any written operand is tainted after processing.
	Tainted bool
	// Modeled is false for degraded records whose data flow was not applied.
	Modeled bool
	// Note explains a degraded record.
	Note string
}

// ReadOperands returns the operands read by the instruction.
func (r *Record) ReadOperands() []Operand { return r.Reads[:r.NumReads] }

// WriteOperands returns the operands written by the instruction.
func (r *Record) WriteOperands() []Operand { return r.Writes[:r.NumWrites] }

func (r *Record) addRead(op Operand) {
	if int(r.NumReads) < MaxReads {
		r.Reads[r.NumReads] = op
		r.NumReads++
	}
}

func (r *Record) addWrite(op Operand) {
	if int(r.NumWrites) < MaxWrites {
		r.Writes[r.NumWrites] = op
		r.NumWrites++
		if op.Tainted {
			r.Tainted = true
		}
	}
}

// Summary renders the operand flow as "x1* -> x0*".
func (r *Record) Summary() string {
	var b strings.Builder
	for i, op := range r.ReadOperands() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(op.String())
	}
	if r.NumWrites > 0 {
		if r.NumReads > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("->")
		for _, op := range r.WriteOperands() {
			b.WriteByte(' ')
			b.WriteString(op.String())
		}
	}
	return b.String()
}
