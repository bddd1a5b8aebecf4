package drivers

import (
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	AS "github.com/williballenthin/vivutils/address_space"
)

type Status int

const (
	// StatusDone means every reachable path was explored.
	StatusDone Status = iota
	StatusCancelled
	StatusStepLimit
	StatusBreakpoint
	StatusHalted
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusCancelled:
		return "cancelled"
	case StatusStepLimit:
		return "step limit"
	case StatusBreakpoint:
		return "breakpoint"
	case StatusHalted:
		return "halted"
	default:
		return "unknown"
	}
}

type EdgeKind int

const (
	EdgeFallthrough EdgeKind = iota
	EdgeBranch
	EdgeTable
	// EdgeDynamic is a target only the emulator could compute, like `jmp eax`.
	EdgeDynamic
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeFallthrough:
		return "fallthrough"
	case EdgeBranch:
		return "branch"
	case EdgeTable:
		return "table"
	case EdgeDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

type Edge struct {
	From AS.VA
	To   AS.VA
	Kind EdgeKind
}

// Result describes the instructions and control flow reached by a run.
type Result struct {
	Status Status
	// Hits counts the executions of each instruction.
	Hits map[AS.VA]uint
	// Order lists instructions in the order they were first executed.
	Order []AS.VA
	Edges []Edge
	Steps uint64

	edges map[Edge]bool
}

func newResult() *Result {
	return &Result{
		Hits:  make(map[AS.VA]uint),
		Order: make([]AS.VA, 0),
		Edges: make([]Edge, 0),
		edges: make(map[Edge]bool),
	}
}

func (r *Result) hit(va AS.VA) {
	if r.Hits[va] == 0 {
		r.Order = append(r.Order, va)
	}
	r.Hits[va]++
	r.Steps++
}

func (r *Result) addEdge(edge Edge) {
	if r.edges[edge] {
		return
	}
	r.edges[edge] = true
	r.Edges = append(r.Edges, edge)
}

// EdgesOfKind returns the recorded edges of one kind.
func (r *Result) EdgesOfKind(kind EdgeKind) []Edge {
	ret := make([]Edge, 0)
	for _, edge := range r.Edges {
		if edge.Kind == kind {
			ret = append(ret, edge)
		}
	}
	return ret
}

func vaHash(va AS.VA) AS.VA {
	return va
}

// Graph builds the instruction level control flow graph of the run.
// Edges are labeled with their kind in the `kind` attribute.
func (r *Result) Graph() (graph.Graph[AS.VA, AS.VA], error) {
	g := graph.New(vaHash, graph.Directed())
	for _, va := range r.Order {
		if e := g.AddVertex(va, graph.VertexAttribute("label", va.String())); e != nil {
			return nil, e
		}
	}
	for _, edge := range r.Edges {
		// an edge may lead to an address that was never executed.
		e := g.AddVertex(edge.To, graph.VertexAttribute("label", edge.To.String()))
		if e != nil && !errors.Is(e, graph.ErrVertexAlreadyExists) {
			return nil, e
		}

		e = g.AddEdge(edge.From, edge.To, graph.EdgeAttribute("kind", edge.Kind.String()))
		if e != nil && !errors.Is(e, graph.ErrEdgeAlreadyExists) {
			return nil, e
		}
	}
	return g, nil
}

// WriteDOT renders the control flow graph of the run in graphviz format.
func (r *Result) WriteDOT(w io.Writer) error {
	g, e := r.Graph()
	if e != nil {
		return errors.Wrap(e, "failed to build graph")
	}
	return draw.DOT(g, w)
}
