package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/log"
)

// File is the YAML form of the configuration. Addresses are strings so that
// hex literals survive as written ("0x1000").
//
//	start: ["0x10100"]
//	stop: ["0x10140"]
//	start_symbol: check_key
//	taint:
//	  - at: "0x10100"
//	    regs: [x0, x1]
//	taint_mem:
//	  - at: "0x10100"
//	    addr: "0x90000000"
//	    size: 16
//	dump_trace: true
type File struct {
	Start       []string       `yaml:"start"`
	Stop        []string       `yaml:"stop"`
	StartSymbol string         `yaml:"start_symbol"`
	StartActive *bool          `yaml:"start_active"`
	Taint       []RegDirective `yaml:"taint"`
	Untaint     []RegDirective `yaml:"untaint"`
	TaintMem    []MemDirective `yaml:"taint_mem"`
	UntaintMem  []MemDirective `yaml:"untaint_mem"`
	DumpTrace   bool           `yaml:"dump_trace"`
	DumpStats   bool           `yaml:"dump_stats"`
	Graph       string         `yaml:"graph"`
	MaxInsn     uint64         `yaml:"max_insn"`
}

// RegDirective taints or untaints registers when At executes.
type RegDirective struct {
	At   string   `yaml:"at"`
	Regs []string `yaml:"regs"`
}

// MemDirective taints or untaints [Addr, Addr+Size) when At executes.
type MemDirective struct {
	At   string `yaml:"at"`
	Addr string `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

// Load reads and decodes a YAML configuration file. Unknown keys are errors.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	f, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML configuration document.
func Parse(b []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}
	return &f, nil
}

// ParseAddr parses a decimal or 0x-prefixed address.
func ParseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

// Apply merges f into o. Malformed entries are logged and skipped; the
// number skipped is returned. Dump flags only ever switch on.
func (f *File) Apply(o *Options, l *log.Logger) int {
	l = l.WithCategory("config")
	skipped := 0
	warn := func(msg string, err error) {
		l.Warn(msg, zap.Error(err))
		skipped++
	}

	for _, s := range f.Start {
		a, err := ParseAddr(s)
		if err != nil {
			warn("start address skipped", err)
			continue
		}
		o.AddStartAddr(a)
	}
	for _, s := range f.Stop {
		a, err := ParseAddr(s)
		if err != nil {
			warn("stop address skipped", err)
			continue
		}
		o.AddStopAddr(a)
	}
	if f.StartSymbol != "" {
		o.SetStartSymbol(f.StartSymbol)
	}
	if f.StartActive != nil {
		o.SetStartActive(*f.StartActive)
	}

	applyRegs := func(ds []RegDirective, add func(uint64, ...ir.Reg)) {
		for _, d := range ds {
			at, err := ParseAddr(d.At)
			if err != nil {
				warn("register directive skipped", err)
				continue
			}
			regs := make([]ir.Reg, 0, len(d.Regs))
			for _, name := range d.Regs {
				r, err := ir.ParseReg(name)
				if err != nil {
					warn("register skipped", err)
					continue
				}
				regs = append(regs, r)
			}
			if len(regs) > 0 {
				add(at, regs...)
			}
		}
	}
	applyRegs(f.Taint, o.AddTaintRegs)
	applyRegs(f.Untaint, o.AddUntaintRegs)

	applyMem := func(ds []MemDirective, add func(uint64, MemRange)) {
		for _, d := range ds {
			at, err := ParseAddr(d.At)
			if err != nil {
				warn("memory directive skipped", err)
				continue
			}
			addr, err := ParseAddr(d.Addr)
			if err != nil {
				warn("memory directive skipped", err)
				continue
			}
			r := MemRange{Addr: addr, Size: d.Size}
			if err := r.Validate(); err != nil {
				warn("memory directive skipped", fmt.Errorf("at %s: %w", d.At, err))
				continue
			}
			add(at, r)
		}
	}
	applyMem(f.TaintMem, o.AddTaintMem)
	applyMem(f.UntaintMem, o.AddUntaintMem)

	if f.DumpTrace {
		o.SetDumpTrace(true)
	}
	if f.DumpStats {
		o.SetDumpStats(true)
	}
	if f.Graph != "" {
		o.SetGraphPath(f.Graph)
	}
	if f.MaxInsn != 0 {
		o.SetMaxInsn(f.MaxInsn)
	}
	return skipped
}
