package ir

import (
	"encoding/binary"
	"fmt"

	set "github.com/hashicorp/go-set"
	"golang.org/x/arch/arm64/arm64asm"
)

// TaintProcessor is the taint state a Builder reads and mutates.
// Each method must be atomic with respect to concurrent callers.
type TaintProcessor interface {
	IsTainted(r Reg) bool
	IsMemTainted(addr, size uint64) bool
	// AssignReg sets dst to the union of srcs and, when size > 0, the
	// memory range [addr, addr+size). It returns the new taint of dst.
	AssignReg(dst Reg, srcs []Reg, addr, size uint64) bool
	// AssignMem sets every byte of [addr, addr+size) to the union of srcs.
	AssignMem(addr, size uint64, srcs []Reg) bool
	CountInstruction()
}

// Builder is the semantic unit of one static instruction. The shape variant is
// selected once, at construction; Setup and Process run per dynamic execution.
//
// A Builder is not safe for concurrent Setup/Process; callers serialize them.
type Builder struct {
	addr uint64
	code uint32
	text string
	kind Kind
	note string

	dsts [2]Reg
	ndst uint8
	srcs [4]Reg
	nsrc uint8

	flagsOut bool // also writes NZCV
	status   regOperand
	hasStat  bool // exclusive store status register

	pair     [2]regOperand
	pairRegs [2]Reg

	mem    memOperand
	hasMem bool
	access uint8

	hasEA bool
	ea    uint64
}

// InsnSize is the size of every ARM64 instruction.
const InsnSize = 4

// NewBuilder decodes the instruction at addr and selects its shape.
// Undecodable or unsupported instructions yield a KindUnmodeled builder.
func NewBuilder(addr uint64, code []byte) *Builder {
	b := &Builder{addr: addr}
	if len(code) < InsnSize {
		b.text = "???"
		b.degrade("short instruction")
		return b
	}
	b.code = binary.LittleEndian.Uint32(code)
	inst, err := arm64asm.Decode(code[:InsnSize])
	if err != nil {
		b.text = fmt.Sprintf(".word 0x%08x", b.code)
		b.degrade("undecodable")
		return b
	}
	b.text = inst.String()
	b.classify(inst)
	return b
}

// Address returns the instruction address.
func (b *Builder) Address() uint64 { return b.addr }

// Code returns the raw instruction word.
func (b *Builder) Code() uint32 { return b.code }

// Kind returns the selected shape variant.
func (b *Builder) Kind() Kind { return b.kind }

// Text returns the disassembly.
func (b *Builder) Text() string { return b.text }

// HasMemoryOperand reports whether the instruction accesses memory.
func (b *Builder) HasMemoryOperand() bool { return b.hasMem }

// AccessSize returns the bytes transferred per register for memory forms.
func (b *Builder) AccessSize() uint8 { return b.access }

// EffectiveAddress computes the address the memory operand touches in the
// given state. ok is false when the instruction has no memory operand.
func (b *Builder) EffectiveAddress(ctx Context) (addr uint64, ok bool) {
	if !b.hasMem {
		return 0, false
	}
	return b.mem.address(b.addr, ctx), true
}

// Setup records the effective address for the current dynamic execution.
func (b *Builder) Setup(ea uint64) {
	b.ea = ea
	b.hasEA = true
}

// Process applies the instruction's data flow to p using ctx and returns the
// record. Degraded records leave taint state untouched.
func (b *Builder) Process(ctx Context, p TaintProcessor) Record {
	rec := Record{
		Address: b.addr,
		Code:    b.code,
		Thread:  ctx.ThreadID(),
		Kind:    b.kind,
		Text:    b.text,
		HasEA:   b.hasEA,
		EA:      b.ea,
		Modeled: true,
	}
	p.CountInstruction()
	defer b.reset()

	if b.kind == KindUnmodeled {
		rec.Modeled = false
		rec.Note = b.note
		return rec
	}
	if b.hasMem && !b.hasEA {
		rec.Modeled = false
		rec.Note = "missing effective address"
		return rec
	}

	for _, r := range b.srcs[:b.nsrc] {
		rec.addRead(Operand{Kind: OperandReg, Reg: r, Value: ctx.ReadReg(r), Tainted: p.IsTainted(r)})
	}

	switch b.kind {
	case KindMove, KindImmediate, KindInsert, KindALU, KindCompare, KindSelect:
		srcs := b.srcs[:b.nsrc]
		for _, d := range b.dsts[:b.ndst] {
			rec.addWrite(regWrite(d, p.AssignReg(d, srcs, 0, 0)))
		}
		if b.flagsOut {
			rec.addWrite(regWrite(NZCV, p.AssignReg(NZCV, srcs, 0, 0)))
		}

	case KindBranch:
		// Link register receives a constant return address.
		for _, d := range b.dsts[:b.ndst] {
			rec.addWrite(regWrite(d, p.AssignReg(d, nil, 0, 0)))
		}

	case KindLoad:
		size := uint64(b.access)
		rec.addRead(Operand{Kind: OperandMem, Addr: b.ea, Size: b.access, Tainted: p.IsMemTainted(b.ea, size)})
		for _, d := range b.dsts[:b.ndst] {
			rec.addWrite(regWrite(d, p.AssignReg(d, nil, b.ea, size)))
		}

	case KindLoadPair:
		size := uint64(b.access)
		for i, slot := range b.pair {
			addr := b.ea + uint64(i)*size
			rec.addRead(Operand{Kind: OperandMem, Addr: addr, Size: b.access, Tainted: p.IsMemTainted(addr, size)})
			if !slot.zero {
				rec.addWrite(regWrite(slot.reg, p.AssignReg(slot.reg, nil, addr, size)))
			}
		}

	case KindStore:
		size := uint64(b.access)
		t := p.AssignMem(b.ea, size, b.srcs[:b.nsrc])
		rec.addWrite(Operand{Kind: OperandMem, Addr: b.ea, Size: b.access, Tainted: t})
		if b.hasStat && !b.status.zero {
			rec.addWrite(regWrite(b.status.reg, p.AssignReg(b.status.reg, nil, 0, 0)))
		}

	case KindStorePair:
		size := uint64(b.access)
		for i, slot := range b.pair {
			addr := b.ea + uint64(i)*size
			var srcs []Reg
			if !slot.zero {
				srcs = b.pairRegs[i : i+1]
			}
			t := p.AssignMem(addr, size, srcs)
			rec.addWrite(Operand{Kind: OperandMem, Addr: addr, Size: b.access, Tainted: t})
		}
	}
	return rec
}

func (b *Builder) reset() {
	b.hasEA = false
	b.ea = 0
}

func regWrite(r Reg, tainted bool) Operand {
	return Operand{Kind: OperandReg, Reg: r, Tainted: tainted}
}

func (b *Builder) degrade(note string) {
	b.kind = KindUnmodeled
	b.note = note
	b.ndst, b.nsrc = 0, 0
	b.flagsOut = false
	b.hasMem = false
	b.hasStat = false
}

func (b *Builder) addDst(r regOperand) {
	if r.zero || int(b.ndst) >= len(b.dsts) {
		return
	}
	b.dsts[b.ndst] = r.reg
	b.ndst++
}

func (b *Builder) addSrc(r regOperand) {
	if r.zero {
		return
	}
	for _, s := range b.srcs[:b.nsrc] {
		if s == r.reg {
			return
		}
	}
	if int(b.nsrc) < len(b.srcs) {
		b.srcs[b.nsrc] = r.reg
		b.nsrc++
	}
}

// regArg converts an operand. isReg is false for immediates, conditions and
// memory operands; ok is false for registers that are not modeled (SIMD/FP).
func regArg(a arm64asm.Arg) (r regOperand, isReg, ok bool) {
	switch v := a.(type) {
	case arm64asm.Reg:
		r, ok = fromArm64(v)
		return r, true, ok
	case arm64asm.RegSP:
		r, ok = fromArm64SP(v)
		return r, true, ok
	case arm64asm.RegExtshiftAmount:
		r, ok = regFromText(v.String())
		return r, true, ok
	}
	return regOperand{}, false, false
}

func operands(inst arm64asm.Inst) []arm64asm.Arg {
	n := 0
	for n < len(inst.Args) && inst.Args[n] != nil {
		n++
	}
	return inst.Args[:n]
}

var (
	immOps = set.From([]arm64asm.Op{
		arm64asm.MOVZ, arm64asm.MOVN, arm64asm.ADR, arm64asm.ADRP, arm64asm.MRS,
	})
	aluOps = set.From([]arm64asm.Op{
		arm64asm.ADD, arm64asm.ADDS, arm64asm.SUB, arm64asm.SUBS,
		arm64asm.ADC, arm64asm.ADCS, arm64asm.SBC, arm64asm.SBCS,
		arm64asm.NGC, arm64asm.NGCS, arm64asm.NEG, arm64asm.NEGS,
		arm64asm.AND, arm64asm.ANDS, arm64asm.ORR, arm64asm.ORN,
		arm64asm.EOR, arm64asm.EON, arm64asm.BIC, arm64asm.BICS, arm64asm.MVN,
		arm64asm.MUL, arm64asm.MADD, arm64asm.MSUB, arm64asm.MNEG,
		arm64asm.SMULL, arm64asm.UMULL, arm64asm.SMULH, arm64asm.UMULH,
		arm64asm.SMADDL, arm64asm.UMADDL, arm64asm.SMSUBL, arm64asm.UMSUBL,
		arm64asm.SDIV, arm64asm.UDIV,
		arm64asm.LSL, arm64asm.LSR, arm64asm.ASR, arm64asm.ROR,
		arm64asm.UBFX, arm64asm.SBFX, arm64asm.UBFIZ, arm64asm.SBFIZ,
		arm64asm.UBFM, arm64asm.SBFM, arm64asm.BFM, arm64asm.BFI, arm64asm.BFXIL,
		arm64asm.UXTB, arm64asm.UXTH, arm64asm.SXTB, arm64asm.SXTH, arm64asm.SXTW,
		arm64asm.REV, arm64asm.REV16, arm64asm.REV32, arm64asm.RBIT,
		arm64asm.CLZ, arm64asm.CLS, arm64asm.EXTR,
	})
	// ops whose destination is also an input
	mergeOps = set.From([]arm64asm.Op{arm64asm.BFM, arm64asm.BFI, arm64asm.BFXIL})
	// ops that read the carry flag
	carryOps = set.From([]arm64asm.Op{
		arm64asm.ADC, arm64asm.ADCS, arm64asm.SBC, arm64asm.SBCS, arm64asm.NGC, arm64asm.NGCS,
	})
	flagOps = set.From([]arm64asm.Op{
		arm64asm.ADDS, arm64asm.SUBS, arm64asm.ADCS, arm64asm.SBCS, arm64asm.NGCS,
		arm64asm.NEGS, arm64asm.ANDS, arm64asm.BICS,
	})
	// x op x is a constant for these
	zeroIdiomOps = set.From([]arm64asm.Op{
		arm64asm.EOR, arm64asm.EON, arm64asm.SUB, arm64asm.SUBS, arm64asm.BIC, arm64asm.BICS,
	})
	compareOps = set.From([]arm64asm.Op{
		arm64asm.CMP, arm64asm.CMN, arm64asm.TST, arm64asm.CCMP, arm64asm.CCMN,
	})
	selectOps = set.From([]arm64asm.Op{
		arm64asm.CSEL, arm64asm.CSINC, arm64asm.CSINV, arm64asm.CSNEG,
		arm64asm.CSET, arm64asm.CSETM, arm64asm.CINC, arm64asm.CINV, arm64asm.CNEG,
	})
	loadOps = set.From([]arm64asm.Op{
		arm64asm.LDR, arm64asm.LDRB, arm64asm.LDRH, arm64asm.LDRSB, arm64asm.LDRSH, arm64asm.LDRSW,
		arm64asm.LDUR, arm64asm.LDURB, arm64asm.LDURH, arm64asm.LDURSB, arm64asm.LDURSH, arm64asm.LDURSW,
		arm64asm.LDAR, arm64asm.LDARB, arm64asm.LDARH, arm64asm.LDAXR, arm64asm.LDXR,
	})
	loadPairOps  = set.From([]arm64asm.Op{arm64asm.LDP, arm64asm.LDPSW, arm64asm.LDNP})
	storeOps     = set.From([]arm64asm.Op{
		arm64asm.STR, arm64asm.STRB, arm64asm.STRH, arm64asm.STUR, arm64asm.STURB, arm64asm.STURH,
		arm64asm.STLR, arm64asm.STLRB, arm64asm.STLRH,
	})
	exclusiveStoreOps = set.From([]arm64asm.Op{arm64asm.STXR, arm64asm.STLXR})
	storePairOps      = set.From([]arm64asm.Op{arm64asm.STP, arm64asm.STNP})
	branchOps         = set.From([]arm64asm.Op{
		arm64asm.B, arm64asm.BR, arm64asm.RET, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ,
	})
	callOps = set.From([]arm64asm.Op{arm64asm.BL, arm64asm.BLR})
	nopOps  = set.From([]arm64asm.Op{
		arm64asm.NOP, arm64asm.HINT, arm64asm.YIELD, arm64asm.WFE, arm64asm.WFI,
		arm64asm.SEV, arm64asm.SEVL, arm64asm.CLREX, arm64asm.DMB, arm64asm.DSB, arm64asm.ISB,
		arm64asm.PRFM, arm64asm.PRFUM, arm64asm.MSR,
	})
	byteOps = set.From([]arm64asm.Op{
		arm64asm.LDRB, arm64asm.LDRSB, arm64asm.LDURB, arm64asm.LDURSB, arm64asm.LDARB,
		arm64asm.STRB, arm64asm.STURB, arm64asm.STLRB,
	})
	halfOps = set.From([]arm64asm.Op{
		arm64asm.LDRH, arm64asm.LDRSH, arm64asm.LDURH, arm64asm.LDURSH, arm64asm.LDARH,
		arm64asm.STRH, arm64asm.STURH, arm64asm.STLRH,
	})
	wordOps = set.From([]arm64asm.Op{arm64asm.LDRSW, arm64asm.LDURSW, arm64asm.LDPSW})
)

func accessSize(op arm64asm.Op, wide bool) uint8 {
	switch {
	case byteOps.Contains(op):
		return 1
	case halfOps.Contains(op):
		return 2
	case wordOps.Contains(op):
		return 4
	case wide:
		return 8
	}
	return 4
}

func (b *Builder) classify(inst arm64asm.Inst) {
	args := operands(inst)
	op := inst.Op

	switch {
	case op == arm64asm.MOV:
		b.classifyMove(args)
	case immOps.Contains(op):
		b.kind = KindImmediate
		b.setDst(args)
	case op == arm64asm.MOVK:
		b.kind = KindInsert
		if d, ok := b.setDst(args); ok {
			b.addSrc(d)
		}
	case aluOps.Contains(op):
		b.classifyALU(op, args)
	case compareOps.Contains(op):
		b.kind = KindCompare
		b.addSources(args)
		if op == arm64asm.CCMP || op == arm64asm.CCMN {
			b.addSrc(regOperand{reg: NZCV})
		}
		b.dsts[0], b.ndst = NZCV, 1
	case selectOps.Contains(op):
		b.kind = KindSelect
		if _, ok := b.setDst(args); ok && len(args) > 1 {
			b.addSources(args[1:])
		}
		b.addSrc(regOperand{reg: NZCV})
	case loadOps.Contains(op):
		b.classifyLoad(op, args)
	case loadPairOps.Contains(op):
		b.classifyPair(KindLoadPair, op, args)
	case storeOps.Contains(op):
		b.classifyStore(op, args, false)
	case exclusiveStoreOps.Contains(op):
		b.classifyStore(op, args, true)
	case storePairOps.Contains(op):
		b.classifyPair(KindStorePair, op, args)
	case branchOps.Contains(op):
		b.kind = KindBranch
		b.addSources(args)
	case callOps.Contains(op):
		b.kind = KindBranch
		b.addSources(args)
		b.dsts[0], b.ndst = LR, 1
	case nopOps.Contains(op):
		b.kind = KindNop
	default:
		b.degrade("unsupported " + op.String())
	}
}

// setDst takes args[0] as the destination register.
func (b *Builder) setDst(args []arm64asm.Arg) (regOperand, bool) {
	if len(args) == 0 {
		b.degrade("missing destination")
		return regOperand{}, false
	}
	d, isReg, ok := regArg(args[0])
	if !isReg || !ok {
		b.degrade("unsupported destination")
		return regOperand{}, false
	}
	b.addDst(d)
	return d, true
}

// addSources adds every register operand in args as a source.
func (b *Builder) addSources(args []arm64asm.Arg) {
	for _, a := range args {
		r, isReg, ok := regArg(a)
		if !isReg {
			continue
		}
		if !ok {
			b.degrade("unsupported operand")
			return
		}
		b.addSrc(r)
	}
}

func (b *Builder) classifyMove(args []arm64asm.Arg) {
	if len(args) < 2 {
		b.degrade("malformed mov")
		return
	}
	if _, isReg, _ := regArg(args[1]); !isReg {
		b.kind = KindImmediate
		b.setDst(args)
		return
	}
	b.kind = KindMove
	if _, ok := b.setDst(args); ok {
		b.addSources(args[1:2])
	}
}

func (b *Builder) classifyALU(op arm64asm.Op, args []arm64asm.Arg) {
	b.kind = KindALU
	d, ok := b.setDst(args)
	if !ok {
		return
	}
	if len(args) > 1 {
		b.addSources(args[1:])
	}
	if b.kind != KindALU {
		return
	}
	if mergeOps.Contains(op) {
		b.addSrc(d)
	}
	if carryOps.Contains(op) {
		b.addSrc(regOperand{reg: NZCV})
	}
	if zeroIdiomOps.Contains(op) && len(args) == 3 && args[1].String() == args[2].String() {
		b.nsrc = 0
	}
	b.flagsOut = flagOps.Contains(op)
}

func (b *Builder) classifyLoad(op arm64asm.Op, args []arm64asm.Arg) {
	if len(args) < 2 {
		b.degrade("malformed load")
		return
	}
	b.kind = KindLoad
	d, ok := b.setDst(args)
	if !ok {
		return
	}
	if !b.setMem(args[len(args)-1]) {
		return
	}
	b.access = accessSize(op, d.wide)
}

func (b *Builder) classifyStore(op arm64asm.Op, args []arm64asm.Arg, exclusive bool) {
	need := 2
	if exclusive {
		need = 3
	}
	if len(args) < need {
		b.degrade("malformed store")
		return
	}
	b.kind = KindStore
	if exclusive {
		st, isReg, ok := regArg(args[0])
		if !isReg || !ok {
			b.degrade("unsupported status register")
			return
		}
		b.status, b.hasStat = st, true
		args = args[1:]
	}
	src, isReg, ok := regArg(args[0])
	if !isReg || !ok {
		b.degrade("unsupported store source")
		return
	}
	b.addSrc(src)
	if !b.setMem(args[len(args)-1]) {
		return
	}
	b.access = accessSize(op, src.wide)
}

func (b *Builder) classifyPair(kind Kind, op arm64asm.Op, args []arm64asm.Arg) {
	if len(args) < 3 {
		b.degrade("malformed pair")
		return
	}
	b.kind = kind
	for i := 0; i < 2; i++ {
		r, isReg, ok := regArg(args[i])
		if !isReg || !ok {
			b.degrade("unsupported pair register")
			return
		}
		b.pair[i] = r
		b.pairRegs[i] = r.reg
		if kind == KindStorePair {
			b.addSrc(r)
		}
	}
	if !b.setMem(args[2]) {
		return
	}
	b.access = accessSize(op, b.pair[0].wide)
}

func (b *Builder) setMem(a arm64asm.Arg) bool {
	m, ok := parseMem(a)
	if !ok {
		b.degrade("unsupported memory operand")
		return false
	}
	b.mem = m
	b.hasMem = true
	return true
}
