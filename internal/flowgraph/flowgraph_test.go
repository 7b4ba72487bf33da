package flowgraph

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/taint"
)

// replay processes each instruction word in order against one snapshot.
func replay(t *testing.T, ctx *ir.Snapshot, p *taint.Processor, words ...uint32) []ir.Record {
	t.Helper()
	var out []ir.Record
	for i, w := range words {
		code := make([]byte, 4)
		binary.LittleEndian.PutUint32(code, w)
		b := ir.NewBuilder(0x1000+uint64(4*i), code)
		if ea, ok := b.EffectiveAddress(ctx); ok {
			b.Setup(ea)
		}
		rec := b.Process(ctx, p)
		rec.Seq = uint64(i)
		out = append(out, rec)
	}
	return out
}

func chain(t *testing.T) []ir.Record {
	t.Helper()
	p := taint.New()
	ctx := ir.NewSnapshot(1)
	ctx.Regs[ir.X2] = 0x4000
	p.TaintReg(ir.X1)
	return replay(t, ctx, p,
		0xAA0103E0, // mov x0, x1
		0xF9000440, // str x0, [x2, #8]
		0xF9400443, // ldr x3, [x2, #8]
		0xD2800024, // mov x4, #1 (no flow)
	)
}

func TestBuildEdges(t *testing.T) {
	g, err := Build(chain(t))
	if err != nil {
		t.Fatal(err)
	}

	adj, err := g.AdjacencyMap()
	if err != nil {
		t.Fatal(err)
	}
	var edges []string
	for src, out := range adj {
		for dst := range out {
			edges = append(edges, src+" -> "+dst)
		}
	}
	want := []string{
		"memory:0x4008 -> register:x3",
		"register:x0 -> memory:0x4008",
		"register:x1 -> register:x0",
	}
	if diff := cmp.Diff(want, sorted(edges)); diff != "" {
		t.Errorf("edges (-want +got):\n%s", diff)
	}

	e, err := g.Edge("register:x1", "register:x0")
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Properties.Attributes[EdgeInsn]; !strings.HasPrefix(got, "0x1000 ") {
		t.Errorf("edge label = %q", got)
	}

	srcs, err := Sources(g)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Node{{Kind: Register, Name: "x1"}}, srcs); diff != "" {
		t.Errorf("sources (-want +got):\n%s", diff)
	}

	reach, err := Reachable(g, Node{Kind: Register, Name: "x0"})
	if err != nil {
		t.Fatal(err)
	}
	if reach.Size() != 3 || reach.Contains("register:x1") {
		t.Errorf("reachable from x0 = %v", reach.Slice())
	}
}

func TestPairFlowsSlotwise(t *testing.T) {
	p := taint.New()
	ctx := ir.NewSnapshot(1)
	ctx.Regs[ir.SP] = 0x8000
	p.TaintReg(ir.X1)
	recs := replay(t, ctx, p, 0xA9BF07E0) // stp x0, x1, [sp, #-16]!

	g, err := Build(recs)
	if err != nil {
		t.Fatal(err)
	}
	adj, _ := g.AdjacencyMap()
	if _, ok := adj["register:x1"]["memory:0x7ff8"]; !ok {
		t.Error("x1 did not flow to its slot")
	}
	if len(adj["register:x1"]) != 1 {
		t.Errorf("x1 flows = %v", adj["register:x1"])
	}
}

func TestDegradedRecordsSkipped(t *testing.T) {
	recs := chain(t)
	for i := range recs {
		recs[i].Modeled = false
	}
	g, err := Build(recs)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := g.Order(); n != 0 {
		t.Errorf("order = %d, want 0", n)
	}
}

func TestWriteDOT(t *testing.T) {
	g, err := Build(chain(t))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteDOT(g, &buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"digraph", "register:x1", "memory:0x4008", "box"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("dot output missing %q", want)
		}
	}

	path := filepath.Join(t.TempDir(), "flow.dot")
	if err := WriteFile(path, chain(t)); err != nil {
		t.Fatal(err)
	}
	if b, err := os.ReadFile(path); err != nil || !bytes.Contains(b, []byte("digraph")) {
		t.Fatalf("graph file: %v", err)
	}
}

func sorted(s []string) []string {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
	return s
}
