package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/log"
)

func TestInitialState(t *testing.T) {
	o := New()
	if !o.InitialState() {
		t.Fatal("no start configured: should start active")
	}

	o.AddStartAddr(0x1000)
	if o.InitialState() {
		t.Fatal("start address configured: should start inactive")
	}

	o = New()
	o.SetStartSymbol("target")
	if o.InitialState() {
		t.Fatal("start symbol configured: should start inactive")
	}

	o.SetStartActive(true)
	if !o.InitialState() {
		t.Fatal("explicit start_active ignored")
	}
}

func TestDirectivesAt(t *testing.T) {
	o := New()
	o.AddStartAddr(0x10)
	o.AddStopAddr(0x20)
	o.AddTaintRegs(0x10, ir.X0, ir.X1)
	o.AddUntaintRegs(0x10, ir.X2)
	o.AddTaintMem(0x14, MemRange{Addr: 0x9000, Size: 4})

	want := Directives{
		Start:   true,
		Taint:   []ir.Reg{ir.X0, ir.X1},
		Untaint: []ir.Reg{ir.X2},
	}
	if diff := cmp.Diff(want, o.At(0x10)); diff != "" {
		t.Errorf("At(0x10) (-want +got):\n%s", diff)
	}
	if d := o.At(0x20); !d.Stop || d.Start {
		t.Errorf("At(0x20) = %+v", d)
	}
	if d := o.At(0x14); len(d.TaintMem) != 1 || d.TaintMem[0].Size != 4 {
		t.Errorf("At(0x14) = %+v", d)
	}
	if d := o.At(0x18); d.Start || d.Stop || d.Taint != nil {
		t.Errorf("At(0x18) = %+v", d)
	}
}

func TestInvalidRegisterDirectivePanics(t *testing.T) {
	defer func() {
		if _, ok := recover().(*ir.InvalidRegisterError); !ok {
			t.Fatal("expected *ir.InvalidRegisterError")
		}
	}()
	New().AddTaintRegs(0x10, ir.NumRegs)
}

const sample = `
start: ["0x10100", "66000"]
stop: ["0x10140"]
start_symbol: check_key
taint:
  - at: "0x10100"
    regs: [x0, w1, lr]
untaint:
  - at: 0x10120
    regs: [x0]
taint_mem:
  - at: "0x10100"
    addr: "0x90000000"
    size: 16
dump_trace: true
max_insn: 5000
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	o := New()
	if n := f.Apply(o, log.NewNop()); n != 0 {
		t.Fatalf("skipped %d entries", n)
	}
	if diff := cmp.Diff([]uint64{0x10100, 66000}, o.StartAddrs()); diff != "" {
		t.Errorf("start (-want +got):\n%s", diff)
	}
	if o.StartSymbol() != "check_key" {
		t.Errorf("symbol = %q", o.StartSymbol())
	}
	d := o.At(0x10100)
	if diff := cmp.Diff([]ir.Reg{ir.X0, ir.X1, ir.LR}, d.Taint); diff != "" {
		t.Errorf("taint (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]MemRange{{Addr: 0x90000000, Size: 16}}, d.TaintMem); diff != "" {
		t.Errorf("taint_mem (-want +got):\n%s", diff)
	}
	if len(o.At(0x10120).Untaint) != 1 {
		t.Error("unquoted hex address not accepted")
	}
	if !o.DumpTrace() || o.DumpStats() {
		t.Error("dump flags wrong")
	}
	if o.MaxInsn() != 5000 {
		t.Errorf("max_insn = %d", o.MaxInsn())
	}
}

func TestApplySkipsMalformed(t *testing.T) {
	f, err := Parse([]byte(`
start: ["nope", "0x10"]
taint:
  - at: "0x10"
    regs: [x0, xzr, q9]
taint_mem:
  - at: "0x10"
    addr: "0x100"
  - at: "0x10"
    addr: "0x100"
    size: 1099511627776
  - at: "0x10"
    addr: "0xfffffffffffffff0"
    size: 32
  - at: "0x10"
    addr: "0xfffffffffffff000"
    size: 4096
`))
	if err != nil {
		t.Fatal(err)
	}
	o := New()
	if n := f.Apply(o, log.NewNop()); n != 6 {
		t.Fatalf("skipped = %d, want 6", n)
	}
	d := o.At(0x10)
	if !d.Start || len(d.Taint) != 1 {
		t.Fatalf("directives = %+v", d)
	}
	want := []MemRange{{Addr: 0xfffffffffffff000, Size: 4096}}
	if diff := cmp.Diff(want, d.TaintMem); diff != "" {
		t.Fatalf("memory directives (-want +got):\n%s", diff)
	}
}

func TestMemRangeValidate(t *testing.T) {
	tests := []struct {
		r  MemRange
		ok bool
	}{
		{MemRange{Addr: 0x1000, Size: 16}, true},
		{MemRange{Addr: 0x1000, Size: MaxMemRange}, true},
		{MemRange{Addr: ^uint64(0), Size: 1}, true},
		{MemRange{Addr: 0x1000}, false},
		{MemRange{Addr: 0x1000, Size: MaxMemRange + 1}, false},
		{MemRange{Addr: 0x10, Size: 1 << 40}, false},
		{MemRange{Addr: ^uint64(0), Size: 2}, false},
		{MemRange{Addr: 0xfffffffffffffff0, Size: 0x11}, false},
	}
	for _, tt := range tests {
		if err := tt.r.Validate(); (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v, want ok=%v", tt.r, err, tt.ok)
		}
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("strat: [0x10]\n")); err == nil {
		t.Fatal("typo accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
