// Package taint owns the process-wide taint state: one flag per register and
// one per memory byte.
package taint

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/taintrace/internal/ir"
)

// Range is a contiguous run of tainted memory.
type Range struct {
	Addr uint64
	Size uint64
}

// Stats is a read-only summary of the taint state.
type Stats struct {
	Instructions uint64
	TaintedRegs  int
	TaintedBytes int
	MemRanges    int
	TaintOps     uint64
	UntaintOps   uint64
}

// Processor is the analysis processor. All methods are safe for concurrent use;
// each propagation step takes the lock once so concurrent threads never lose
// updates to the same location.
type Processor struct {
	mu   sync.RWMutex
	regs [ir.NumRegs]bool
	mem  map[uint64]struct{}

	insns      atomic.Uint64
	taintOps   atomic.Uint64
	untaintOps atomic.Uint64
}

// New creates an empty processor.
func New() *Processor {
	return &Processor{mem: make(map[uint64]struct{})}
}

// TaintReg marks r as tainted. Panics with *ir.InvalidRegisterError for an unknown id.
func (p *Processor) TaintReg(r ir.Reg) {
	ir.MustValid(r, "taint")
	p.mu.Lock()
	p.regs[r] = true
	p.mu.Unlock()
	p.taintOps.Add(1)
}

// UntaintReg clears r. Panics with *ir.InvalidRegisterError for an unknown id.
func (p *Processor) UntaintReg(r ir.Reg) {
	ir.MustValid(r, "untaint")
	p.mu.Lock()
	p.regs[r] = false
	p.mu.Unlock()
	p.untaintOps.Add(1)
}

// IsTainted reports whether r is tainted.
func (p *Processor) IsTainted(r ir.Reg) bool {
	ir.MustValid(r, "query")
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.regs[r]
}

// TaintMem marks [addr, addr+size) as tainted.
func (p *Processor) TaintMem(addr, size uint64) {
	p.mu.Lock()
	p.setMem(addr, size, true)
	p.mu.Unlock()
	p.taintOps.Add(1)
}

// UntaintMem clears [addr, addr+size).
func (p *Processor) UntaintMem(addr, size uint64) {
	p.mu.Lock()
	p.setMem(addr, size, false)
	p.mu.Unlock()
	p.untaintOps.Add(1)
}

// IsMemTainted reports whether any byte of [addr, addr+size) is tainted.
func (p *Processor) IsMemTainted(addr, size uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.memTainted(addr, size)
}

// AssignReg sets dst to the union of srcs and the memory range, if size > 0.
func (p *Processor) AssignReg(dst ir.Reg, srcs []ir.Reg, addr, size uint64) bool {
	ir.MustValid(dst, "assign")
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.anyReg(srcs) || (size > 0 && p.memTainted(addr, size))
	p.regs[dst] = t
	return t
}

// AssignMem sets every byte of [addr, addr+size) to the union of srcs.
func (p *Processor) AssignMem(addr, size uint64, srcs []ir.Reg) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.anyReg(srcs)
	p.setMem(addr, size, t)
	return t
}

// CopyMem copies byte taint from src to dst, byte by byte, handling overlap
// like memmove.
func (p *Processor) CopyMem(dst, src, size uint64) {
	if size == 0 || dst == src {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	copyByte := func(i uint64) {
		if _, ok := p.mem[src+i]; ok {
			p.mem[dst+i] = struct{}{}
		} else {
			delete(p.mem, dst+i)
		}
	}
	if dst < src {
		for i := uint64(0); i < size; i++ {
			copyByte(i)
		}
		return
	}
	for i := size; i > 0; i-- {
		copyByte(i - 1)
	}
}

// CountInstruction records one processed instruction.
func (p *Processor) CountInstruction() {
	p.insns.Add(1)
}

// TaintedRegs returns the tainted registers in id order.
func (p *Processor) TaintedRegs() []ir.Reg {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ir.Reg
	for r, t := range p.regs {
		if t {
			out = append(out, ir.Reg(r))
		}
	}
	return out
}

// MemRanges returns tainted memory coalesced into sorted ranges.
func (p *Processor) MemRanges() []Range {
	p.mu.RLock()
	addrs := make([]uint64, 0, len(p.mem))
	for a := range p.mem {
		addrs = append(addrs, a)
	}
	p.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	var out []Range
	for _, a := range addrs {
		if n := len(out); n > 0 && out[n-1].Addr+out[n-1].Size == a {
			out[n-1].Size++
			continue
		}
		out = append(out, Range{Addr: a, Size: 1})
	}
	return out
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	ranges := p.MemRanges()
	p.mu.RLock()
	s := Stats{TaintedBytes: len(p.mem)}
	for _, t := range p.regs {
		if t {
			s.TaintedRegs++
		}
	}
	p.mu.RUnlock()
	s.MemRanges = len(ranges)
	s.Instructions = p.insns.Load()
	s.TaintOps = p.taintOps.Load()
	s.UntaintOps = p.untaintOps.Load()
	return s
}

var statsBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("240")).
	Padding(0, 1)

var statsKey = lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Width(14)

// DisplayStats writes a summary box to w.
func (p *Processor) DisplayStats(w io.Writer) error {
	s := p.Stats()
	regs := p.TaintedRegs()
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.String()
	}
	if len(names) == 0 {
		names = []string{"-"}
	}

	var ranges []string
	for i, r := range p.MemRanges() {
		if i == 8 {
			ranges = append(ranges, "...")
			break
		}
		ranges = append(ranges, fmt.Sprintf("0x%x+%d", r.Addr, r.Size))
	}
	if len(ranges) == 0 {
		ranges = []string{"-"}
	}

	row := func(k, v string) string { return statsKey.Render(k) + v }
	body := strings.Join([]string{
		row("instructions", fmt.Sprint(s.Instructions)),
		row("tainted regs", fmt.Sprintf("%d  %s", s.TaintedRegs, strings.Join(names, " "))),
		row("tainted mem", fmt.Sprintf("%d bytes in %d ranges", s.TaintedBytes, s.MemRanges)),
		row("", strings.Join(ranges, " ")),
		row("taint ops", fmt.Sprint(s.TaintOps)),
		row("untaint ops", fmt.Sprint(s.UntaintOps)),
	}, "\n")

	_, err := fmt.Fprintln(w, statsBox.Render(body))
	return err
}

func (p *Processor) anyReg(srcs []ir.Reg) bool {
	t := false
	for _, r := range srcs {
		ir.MustValid(r, "propagate")
		t = t || p.regs[r]
	}
	return t
}

func (p *Processor) memTainted(addr, size uint64) bool {
	if len(p.mem) == 0 {
		return false
	}
	for i := uint64(0); i < size; i++ {
		if _, ok := p.mem[addr+i]; ok {
			return true
		}
	}
	return false
}

func (p *Processor) setMem(addr, size uint64, tainted bool) {
	for i := uint64(0); i < size; i++ {
		if tainted {
			p.mem[addr+i] = struct{}{}
		} else {
			delete(p.mem, addr+i)
		}
	}
}
