// Package flowgraph turns a trace into a taint-flow graph: an edge from every
// tainted location an instruction read to every tainted location it wrote.
package flowgraph

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	set "github.com/hashicorp/go-set"

	"github.com/zboralski/taintrace/internal/ir"
)

type NodeKind string

const (
	Register NodeKind = "register"
	Memory   NodeKind = "memory"
)

// EdgeInsn is the edge attribute holding the instruction that moved taint.
const EdgeInsn = "label"

type Node struct {
	Kind NodeKind
	Name string
}

// NodeHash identifies a node by location.
func NodeHash(n Node) string {
	return string(n.Kind) + ":" + n.Name
}

func nodeOf(op ir.Operand) (Node, bool) {
	switch op.Kind {
	case ir.OperandReg:
		return Node{Kind: Register, Name: op.Reg.String()}, true
	case ir.OperandMem:
		return Node{Kind: Memory, Name: fmt.Sprintf("0x%x", op.Addr)}, true
	}
	return Node{}, false
}

func addNode(g graph.Graph[string, Node], n Node) error {
	shape := "ellipse"
	if n.Kind == Memory {
		shape = "box"
	}
	err := g.AddVertex(n, graph.VertexAttribute("label", n.Name), graph.VertexAttribute("shape", shape))
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return fmt.Errorf("add node %s: %w", NodeHash(n), err)
	}
	return nil
}

// Build creates the graph from records in trace order. Degraded records carry
// no flow and are skipped. Repeated flows between the same two locations keep
// the first instruction.
func Build(records []ir.Record) (graph.Graph[string, Node], error) {
	g := graph.New(NodeHash, graph.Directed())
	for i := range records {
		rec := &records[i]
		if !rec.Tainted || !rec.Modeled {
			continue
		}
		label := fmt.Sprintf("0x%x %s", rec.Address, rec.Text)
		for _, f := range flows(rec) {
			src, ok1 := nodeOf(f[0])
			dst, ok2 := nodeOf(f[1])
			if !ok1 || !ok2 || !f[0].Tainted || !f[1].Tainted || NodeHash(src) == NodeHash(dst) {
				continue
			}
			if err := addNode(g, src); err != nil {
				return nil, err
			}
			if err := addNode(g, dst); err != nil {
				return nil, err
			}
			err := g.AddEdge(NodeHash(src), NodeHash(dst), graph.EdgeAttribute(EdgeInsn, label))
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, fmt.Errorf("add edge %s -> %s: %w", NodeHash(src), NodeHash(dst), err)
			}
		}
	}
	return g, nil
}

// flows pairs read and written operands. Pair transfers move slot i to slot
// i; everything else flows from every read to every write.
func flows(rec *ir.Record) [][2]ir.Operand {
	reads, writes := rec.ReadOperands(), rec.WriteOperands()
	var data ir.OperandKind
	switch rec.Kind {
	case ir.KindLoadPair:
		data = ir.OperandMem
	case ir.KindStorePair:
		data = ir.OperandReg
	}
	if data != ir.OperandNone {
		var slots []ir.Operand
		for _, r := range reads {
			if r.Kind == data {
				slots = append(slots, r)
			}
		}
		if len(slots) == len(writes) {
			out := make([][2]ir.Operand, len(slots))
			for i := range slots {
				out[i] = [2]ir.Operand{slots[i], writes[i]}
			}
			return out
		}
	}
	out := make([][2]ir.Operand, 0, len(reads)*len(writes))
	for _, w := range writes {
		for _, r := range reads {
			out = append(out, [2]ir.Operand{r, w})
		}
	}
	return out
}

// Sources returns the nodes taint flows out of but never into, sorted by hash.
func Sources(g graph.Graph[string, Node]) ([]Node, error) {
	preds, err := g.PredecessorMap()
	if err != nil {
		return nil, err
	}
	var out []Node
	for hash, in := range preds {
		if len(in) > 0 {
			continue
		}
		n, err := g.Vertex(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return NodeHash(out[i]) < NodeHash(out[j]) })
	return out, nil
}

// Reachable returns the hashes of every node taint from n flows to, n included.
func Reachable(g graph.Graph[string, Node], n Node) (*set.Set[string], error) {
	seen := set.New[string](8)
	err := graph.DFS(g, NodeHash(n), func(hash string) bool {
		seen.Insert(hash)
		return false
	})
	if err != nil {
		return nil, err
	}
	return seen, nil
}

// WriteDOT renders g in Graphviz DOT.
func WriteDOT(g graph.Graph[string, Node], w io.Writer) error {
	return draw.DOT(g, w)
}

// WriteFile builds the graph for records and writes it to path.
func WriteFile(path string, records []ir.Record) error {
	g, err := Build(records)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := WriteDOT(g, f); err != nil {
		f.Close()
		return fmt.Errorf("draw graph to %s: %w", path, err)
	}
	return f.Close()
}
