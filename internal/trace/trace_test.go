package trace

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/taintrace/internal/ir"
)

func TestAddAssignsSequence(t *testing.T) {
	tr := New()
	for i := 0; i < 5; i++ {
		if seq := tr.Add(ir.Record{Address: uint64(0x1000 + 4*i)}); seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}
	recs := tr.Records()
	if len(recs) != 5 || tr.Len() != 5 {
		t.Fatalf("len = %d", len(recs))
	}
	for i, r := range recs {
		if r.Seq != uint64(i) || r.Address != uint64(0x1000+4*i) {
			t.Fatalf("record %d = %+v", i, r)
		}
	}
}

func TestRecordsIsACopy(t *testing.T) {
	tr := New()
	tr.Add(ir.Record{Address: 1})
	recs := tr.Records()
	recs[0].Address = 99
	if tr.Records()[0].Address != 1 {
		t.Fatal("Records aliases internal storage")
	}
}

func TestConcurrentAdd(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tr.Add(ir.Record{Thread: uint32(g)})
			}
		}(g)
	}
	wg.Wait()

	recs := tr.Records()
	if len(recs) != 4000 {
		t.Fatalf("len = %d", len(recs))
	}
	for i, r := range recs {
		if r.Seq != uint64(i) {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
	}
}

func TestEventsAreEnriched(t *testing.T) {
	tr := New()
	tr.Add(ir.Record{})
	tr.AddEvent(NewEvent(0x10, Libc, "memcpy", "n=8"))

	got := tr.Events()
	if len(got) != 1 {
		t.Fatalf("events = %d", len(got))
	}
	if got[0].Seq != 1 {
		t.Errorf("event seq = %d, want 1", got[0].Seq)
	}
	if diff := cmp.Diff(Tags{Libc, String}, got[0].Tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
}

func TestDisplay(t *testing.T) {
	tr := New()
	tainted := ir.Record{Address: 0x1000, Code: 0xAA0103E0, Text: "MOV X0, X1", Kind: ir.KindMove, Modeled: true, Tainted: true}
	tainted.Reads[0] = ir.Operand{Kind: ir.OperandReg, Reg: ir.X1, Tainted: true}
	tainted.NumReads = 1
	tainted.Writes[0] = ir.Operand{Kind: ir.OperandReg, Reg: ir.X0, Tainted: true}
	tainted.NumWrites = 1

	tr.AddEvent(NewEvent(0x1000, Activation, "start", "on"))
	tr.Add(tainted)
	tr.Add(ir.Record{Address: 0x1004, Text: "SVC #0", Note: "unsupported SVC"})

	var buf bytes.Buffer
	err := tr.Display(&buf, DisplayOptions{
		Symbolize: func(addr uint64) string {
			if addr == 0x1000 {
				return "target"
			}
			return ""
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "#activation") {
		t.Errorf("event line = %q", lines[1])
	}
	for _, want := range []string{"00001000", "AA0103E0", "MOV X0, X1", "#tainted", "x1* -> x0*", "target"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("record line missing %q: %q", want, lines[2])
		}
	}
	if !strings.Contains(lines[3], "#unmodeled") || !strings.Contains(lines[3], "unsupported SVC") {
		t.Errorf("degraded line = %q", lines[3])
	}

	buf.Reset()
	if err := tr.Display(&buf, DisplayOptions{TaintedOnly: true}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "SVC") {
		t.Error("TaintedOnly showed an untainted record")
	}
}
