package libc

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/taintrace/internal/emulator"
	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/stubs"
	"github.com/zboralski/taintrace/internal/taint"
	"github.com/zboralski/taintrace/internal/trace"
)

var stubNames = []string{
	"malloc", "calloc", "realloc", "free", "strlen", "memcpy", "memmove",
	"memset", "memcmp", "strcmp", "strcpy", "strncpy", "strcat", "strchr",
	"strdup", "exit",
}

type fixture struct {
	env  *stubs.Env
	syms map[string]uint64
}

// newFixture maps one RET per stub name and hooks the registered stubs there.
func newFixture(t *testing.T, active bool) *fixture {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	code := make([]byte, 4*len(stubNames))
	syms := make(map[string]uint64)
	for i, name := range stubNames {
		binary.LittleEndian.PutUint32(code[4*i:], 0xd65f03c0)
		syms[name] = emulator.CodeBase + uint64(4*i)
	}
	img, err := emu.LoadImage("libc", emulator.CodeBase, code, syms)
	if err != nil {
		t.Fatal(err)
	}

	env := &stubs.Env{
		Emu:    emu,
		Taint:  taint.New(),
		Trace:  trace.New(),
		Active: func() bool { return active },
	}
	if n := stubs.Install(env, img); n != len(stubNames) {
		t.Fatalf("installed %d stubs, want %d", n, len(stubNames))
	}
	return &fixture{env: env, syms: syms}
}

func (f *fixture) call(t *testing.T, name string, args ...uint64) uint64 {
	t.Helper()
	x0, err := f.env.Emu.Call(f.syms[name], args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return x0
}

func (f *fixture) str(t *testing.T, s string) uint64 {
	t.Helper()
	addr := f.env.Emu.Malloc(uint64(len(s)) + 1)
	if err := f.env.Emu.MemWriteString(addr, s); err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestMemcpyCopiesTaint(t *testing.T) {
	f := newFixture(t, true)
	src := f.str(t, "hello")
	dst := f.env.Emu.Malloc(16)
	f.env.Taint.TaintMem(src+1, 2)

	if got := f.call(t, "memcpy", dst, src, 5); got != dst {
		t.Fatalf("memcpy returned 0x%x", got)
	}
	if s, _ := f.env.Emu.MemReadString(dst, 16); s != "hello" {
		t.Errorf("dst = %q", s)
	}
	if f.env.Taint.IsMemTainted(dst, 1) || !f.env.Taint.IsMemTainted(dst+1, 2) || f.env.Taint.IsMemTainted(dst+3, 2) {
		t.Errorf("taint ranges = %+v", f.env.Taint.MemRanges())
	}

	evs := f.env.Trace.Events()
	if len(evs) != 1 || evs[0].Name != "memcpy" {
		t.Fatalf("events = %+v", evs)
	}
	if diff := cmp.Diff(trace.Tags{trace.Libc, trace.String}, evs[0].Tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
	if evs[0].PC != emulator.ReturnAddr {
		t.Errorf("event pc = 0x%x, want caller return address", evs[0].PC)
	}
}

func TestMemmoveOverlap(t *testing.T) {
	f := newFixture(t, true)
	buf := f.str(t, "abcdef")
	f.env.Taint.TaintMem(buf, 1)

	f.call(t, "memmove", buf+1, buf, 3)
	if s, _ := f.env.Emu.MemReadString(buf, 16); s != "aabcef" {
		t.Errorf("buf = %q", s)
	}
	want := []taint.Range{{Addr: buf, Size: 2}}
	if diff := cmp.Diff(want, f.env.Taint.MemRanges()); diff != "" {
		t.Errorf("ranges (-want +got):\n%s", diff)
	}
}

func TestMemsetTakesFillTaint(t *testing.T) {
	f := newFixture(t, true)
	buf := f.env.Emu.Malloc(32)
	f.env.Taint.TaintMem(buf, 32)

	f.call(t, "memset", buf, 0, 8)
	if f.env.Taint.IsMemTainted(buf, 8) || !f.env.Taint.IsMemTainted(buf+8, 1) {
		t.Errorf("clean fill: ranges = %+v", f.env.Taint.MemRanges())
	}

	f.env.Taint.TaintReg(ir.X1)
	f.call(t, "memset", buf, 'x', 8)
	if !f.env.Taint.IsMemTainted(buf, 1) {
		t.Error("tainted fill value did not taint memory")
	}
	if b, _ := f.env.Emu.MemRead(buf, 1); b[0] != 'x' {
		t.Errorf("byte = %q", b[0])
	}
}

func TestStrlenResultTaint(t *testing.T) {
	f := newFixture(t, true)
	s := f.str(t, "secret")

	if n := f.call(t, "strlen", s); n != 6 {
		t.Fatalf("strlen = %d", n)
	}
	if f.env.Taint.IsTainted(ir.X0) {
		t.Error("length of clean string tainted")
	}

	f.env.Taint.TaintMem(s+6, 1) // the terminator decides the length
	f.call(t, "strlen", s)
	if !f.env.Taint.IsTainted(ir.X0) {
		t.Error("length of tainted string clean")
	}
}

func TestCompareResultTaint(t *testing.T) {
	f := newFixture(t, true)
	a := f.str(t, "abc")
	b := f.str(t, "abd")

	if got := f.call(t, "strcmp", a, b); got != ^uint64(0) {
		t.Errorf("strcmp = %d", int64(got))
	}
	if f.env.Taint.IsTainted(ir.X0) {
		t.Error("clean compare tainted")
	}
	f.env.Taint.TaintMem(b, 1)
	if got := f.call(t, "memcmp", b, a, 3); got != 1 {
		t.Errorf("memcmp = %d", int64(got))
	}
	if !f.env.Taint.IsTainted(ir.X0) {
		t.Error("compare of tainted buffer clean")
	}
}

func TestStringCopies(t *testing.T) {
	f := newFixture(t, true)
	src := f.str(t, "key")
	f.env.Taint.TaintMem(src, 3)

	dst := f.env.Emu.Malloc(32)
	f.call(t, "strcpy", dst, src)
	if !f.env.Taint.IsMemTainted(dst, 3) || f.env.Taint.IsMemTainted(dst+3, 1) {
		t.Errorf("strcpy ranges = %+v", f.env.Taint.MemRanges())
	}

	f.call(t, "strcat", dst, src)
	if s, _ := f.env.Emu.MemReadString(dst, 32); s != "keykey" {
		t.Errorf("strcat = %q", s)
	}
	if !f.env.Taint.IsMemTainted(dst+5, 1) {
		t.Error("strcat dropped taint")
	}

	pad := f.env.Emu.Malloc(16)
	f.env.Taint.TaintMem(pad, 16)
	f.call(t, "strncpy", pad, src, 8)
	if !f.env.Taint.IsMemTainted(pad, 3) || f.env.Taint.IsMemTainted(pad+3, 5) || !f.env.Taint.IsMemTainted(pad+8, 1) {
		t.Errorf("strncpy ranges = %+v", f.env.Taint.MemRanges())
	}

	dup := f.call(t, "strdup", src)
	if s, _ := f.env.Emu.MemReadString(dup, 8); s != "key" || !f.env.Taint.IsMemTainted(dup, 3) {
		t.Errorf("strdup = %q", s)
	}
	if f.env.Taint.IsTainted(ir.X0) {
		t.Error("strdup pointer tainted")
	}
}

func TestStrchr(t *testing.T) {
	f := newFixture(t, true)
	s := f.str(t, "a=b")
	if got := f.call(t, "strchr", s, '='); got != s+1 {
		t.Errorf("strchr = 0x%x, want 0x%x", got, s+1)
	}
	if got := f.call(t, "strchr", s, '!'); got != 0 {
		t.Errorf("missing char = 0x%x", got)
	}
	if got := f.call(t, "strchr", s, 0); got != s+3 {
		t.Errorf("terminator = 0x%x", got)
	}
}

func TestAllocatorsReturnClean(t *testing.T) {
	f := newFixture(t, true)
	f.env.Taint.TaintReg(ir.X0)

	p := f.call(t, "malloc", 24)
	if p < emulator.HeapBase || f.env.Taint.IsTainted(ir.X0) {
		t.Fatalf("malloc = 0x%x tainted=%v", p, f.env.Taint.IsTainted(ir.X0))
	}
	q := f.call(t, "calloc", 4, 8)
	if q-p != 32 {
		t.Errorf("calloc = 0x%x after 0x%x", q, p)
	}

	_ = f.env.Emu.MemWriteString(p, "data")
	f.env.Taint.TaintMem(p, 4)
	r := f.call(t, "realloc", p, 64)
	if s, _ := f.env.Emu.MemReadString(r, 8); s != "data" || !f.env.Taint.IsMemTainted(r, 4) {
		t.Errorf("realloc lost data or taint: %q", s)
	}
	f.call(t, "free", r)

	var names []string
	for _, ev := range f.env.Trace.Events() {
		names = append(names, ev.Name)
		if !ev.Tags.Has(trace.Malloc) {
			t.Errorf("%s not tagged malloc", ev.Name)
		}
	}
	if diff := cmp.Diff([]string{"malloc", "calloc", "realloc", "free"}, names); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestAllocatorsReturnNullWhenExhausted(t *testing.T) {
	f := newFixture(t, true)
	before := f.call(t, "malloc", 16)

	requests := []struct {
		name string
		args []uint64
	}{
		{"malloc", []uint64{^uint64(0)}},
		{"malloc", []uint64{^uint64(0) - 7}},
		{"malloc", []uint64{emulator.HeapSize}},
		{"calloc", []uint64{1 << 33, 1 << 33}},
		{"realloc", []uint64{before, ^uint64(0) - 3}},
	}
	for _, r := range requests {
		if p := f.call(t, r.name, r.args...); p != 0 {
			t.Errorf("%s%v = 0x%x, want NULL", r.name, r.args, p)
		}
	}

	if after := f.call(t, "malloc", 16); after-before != 16 {
		t.Errorf("failed requests moved the heap: 0x%x after 0x%x", after, before)
	}
}

func TestInactiveLeavesTaint(t *testing.T) {
	f := newFixture(t, false)
	src := f.str(t, "abc")
	dst := f.env.Emu.Malloc(16)
	f.env.Taint.TaintMem(src, 3)
	f.env.Taint.TaintReg(ir.X0)

	f.call(t, "memcpy", dst, src, 3)
	if s, _ := f.env.Emu.MemReadString(dst, 16); s != "abc" {
		t.Errorf("data not copied while inactive: %q", s)
	}
	if f.env.Taint.IsMemTainted(dst, 3) || !f.env.Taint.IsTainted(ir.X0) {
		t.Error("taint changed while inactive")
	}
	if len(f.env.Trace.Events()) != 0 {
		t.Error("events recorded while inactive")
	}
}

func TestExitStops(t *testing.T) {
	f := newFixture(t, true)
	f.call(t, "exit", 3)
	if f.env.Emu.PC() == emulator.ReturnAddr {
		t.Error("exit returned to the caller")
	}
	evs := f.env.Trace.Events()
	if len(evs) != 1 || evs[0].Name != "exit" || evs[0].Detail != "0x3" {
		t.Errorf("events = %+v", evs)
	}
}
