package skill

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/refly-ai/refly/internal/model"
)

// Start and End are the sentinel endpoints of every graph.
const (
	Start = "__start__"
	End   = "__end__"
)

const (
	endIndex   = -1
	unsetIndex = -2
)

// NodeFunc is the body of one step. It reads and updates st and may emit
// partial results. It must return promptly once ctx is done.
type NodeFunc func(ctx context.Context, st *State, emit Emitter) error

// Router picks the next step by name (or End) after a step completes.
type Router func(st *State) string

// Emitter publishes partial results from a running node. Emit calls fail
// once the node has been cancelled or abandoned.
type Emitter interface {
	Token(text string) error
	Structured(key string, value any) error
}

// State is the mutable working set threaded through one run.
type State struct {
	Input    map[string]any
	Config   map[string]any
	Messages []model.Message
	Values   map[string]any
}

// String returns the string input field key, or "".
func (s *State) String(key string) string {
	v, _ := s.Input[key].(string)
	return v
}

// AddMessage appends a produced message.
func (s *State) AddMessage(role, content string) {
	s.Messages = append(s.Messages, model.Message{Role: role, Content: content})
}

// Set records a structured value.
func (s *State) Set(key string, value any) {
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	s.Values[key] = value
}

func (s *State) result() model.SkillResult {
	return model.SkillResult{Messages: s.Messages, Structured: s.Values}
}

type step struct {
	name  string
	run   NodeFunc
	next  int
	route Router
}

type edge struct {
	from, to string
}

// Graph is a directed graph of named steps stored as an arena with
// index-based successor links. Build it with AddNode, AddEdge and AddRouter,
// then Compile before execution. Builder errors are sticky and reported by
// Compile.
type Graph struct {
	steps   []step
	index   map[string]int
	edges   []edge
	routers map[string]Router
	entry   int

	compiled bool
	err      error
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index:   make(map[string]int),
		routers: make(map[string]Router),
		entry:   unsetIndex,
	}
}

// AddNode adds a step.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	switch {
	case g.err != nil:
	case name == "" || name == Start || name == End:
		g.err = fmt.Errorf("graph: invalid node name %q", name)
	case fn == nil:
		g.err = fmt.Errorf("graph: node %q has nil func", name)
	default:
		if _, dup := g.index[name]; dup {
			g.err = fmt.Errorf("graph: node %q added twice", name)
			break
		}
		g.index[name] = len(g.steps)
		g.steps = append(g.steps, step{name: name, run: fn, next: unsetIndex})
	}
	return g
}

// AddEdge adds a static transition. Use Start as from for the entry edge and
// End as to for a terminal edge.
func (g *Graph) AddEdge(from, to string) *Graph {
	if g.err == nil {
		g.edges = append(g.edges, edge{from: from, to: to})
	}
	return g
}

// AddRouter makes from choose its successor at run time.
func (g *Graph) AddRouter(from string, r Router) *Graph {
	if g.err != nil {
		return g
	}
	if r == nil {
		g.err = fmt.Errorf("graph: router for %q is nil", from)
		return g
	}
	g.routers[from] = r
	return g
}

// Compile resolves edges into indices and checks that the graph has exactly
// one entry, that every step has exactly one way out, and that End is
// reachable.
func (g *Graph) Compile() error {
	if g.compiled {
		return nil
	}
	if g.err != nil {
		return g.err
	}
	if len(g.steps) == 0 {
		return errors.New("graph: no nodes")
	}

	for _, e := range g.edges {
		if e.from == End || e.to == Start {
			return fmt.Errorf("graph: invalid edge %s -> %s", e.from, e.to)
		}
		to := endIndex
		if e.to != End {
			idx, ok := g.index[e.to]
			if !ok {
				return fmt.Errorf("graph: edge %s -> %s targets unknown node", e.from, e.to)
			}
			to = idx
		}
		if e.from == Start {
			if g.entry != unsetIndex {
				return errors.New("graph: more than one entry edge")
			}
			if to == endIndex {
				return errors.New("graph: entry edge cannot target end")
			}
			g.entry = to
			continue
		}
		from, ok := g.index[e.from]
		if !ok {
			return fmt.Errorf("graph: edge %s -> %s starts at unknown node", e.from, e.to)
		}
		if g.steps[from].next != unsetIndex {
			return fmt.Errorf("graph: node %q has more than one outgoing edge", e.from)
		}
		g.steps[from].next = to
	}
	if g.entry == unsetIndex {
		return errors.New("graph: no entry edge")
	}

	for name, r := range g.routers {
		idx, ok := g.index[name]
		if !ok {
			return fmt.Errorf("graph: router on unknown node %q", name)
		}
		if g.steps[idx].next != unsetIndex {
			return fmt.Errorf("graph: node %q has both an edge and a router", name)
		}
		g.steps[idx].route = r
	}
	for _, s := range g.steps {
		if s.next == unsetIndex && s.route == nil {
			return fmt.Errorf("graph: node %q has no outgoing edge", s.name)
		}
	}

	if len(g.routers) == 0 {
		// Without routers every path is static: walk it once.
		seen := make(map[int]bool, len(g.steps))
		for cur := g.entry; cur != endIndex; cur = g.steps[cur].next {
			if seen[cur] {
				return fmt.Errorf("graph: cycle at node %q", g.steps[cur].name)
			}
			seen[cur] = true
		}
		for i, s := range g.steps {
			if !seen[i] {
				return fmt.Errorf("graph: node %q is unreachable", s.name)
			}
		}
	}

	g.compiled = true
	return nil
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Nodes returns the step names in insertion order.
func (g *Graph) Nodes() []string {
	names := make([]string, len(g.steps))
	for i, s := range g.steps {
		names[i] = s.name
	}
	return names
}

// successor resolves the step after cur.
func (g *Graph) successor(cur int, st *State) (int, error) {
	s := g.steps[cur]
	if s.route == nil {
		return s.next, nil
	}
	name := s.route(st)
	if name == End {
		return endIndex, nil
	}
	idx, ok := g.index[name]
	if !ok {
		return 0, fmt.Errorf("router chose unknown node %q", name)
	}
	return idx, nil
}

// emitter forwards a node's partial results until it is sealed.
type emitter struct {
	ctx context.Context
	out chan<- model.SkillEvent

	mu     sync.Mutex
	sealed bool
}

var errSuppressed = errors.New("node output suppressed")

func (e *emitter) Token(text string) error { return e.send(model.TokenEvent(text)) }

func (e *emitter) Structured(key string, value any) error {
	return e.send(model.StructuredEvent(key, value))
}

func (e *emitter) send(ev model.SkillEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return errSuppressed
	}
	if e.ctx.Err() != nil {
		return context.Cause(e.ctx)
	}
	select {
	case e.out <- ev:
		return nil
	case <-e.ctx.Done():
		return context.Cause(e.ctx)
	}
}

// seal blocks until any in-flight send returns and rejects all later ones.
func (e *emitter) seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}
