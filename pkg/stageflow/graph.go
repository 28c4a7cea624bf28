package stageflow

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Graph is an immutable, compiled stage-dependency graph.
// Use Compile or CompileMap to create one.
//
// Graph is safe for concurrent use and can be shared by any number of
// Flows. Its structure cannot change after compilation.
type Graph struct {
	stages   map[string]StageDescriptor
	declared []string // input order

	inEdges  map[string][]string // stage -> stages it requires
	outEdges map[string][]string // stage -> stages requiring it

	roots  []string
	sorted []string
	rank   map[string]int // position in sorted
}

// Compile validates the stage descriptors and produces a Graph with a
// deterministic topological order.
//
// Validation fails on empty, reserved or duplicate names, on requires
// entries naming undeclared stages, and on any dependency cycle. Nothing
// is returned on failure; there is no partially usable graph.
//
// The order is a depth-first sort: root stages (no requirements) are
// visited in input order, and each stage's dependents in the order they
// were declared. A strict chain therefore compiles to exactly its chain
// order; otherwise only the partial order is guaranteed.
func Compile(stages []StageDescriptor) (*Graph, error) {
	g := &Graph{
		stages:   make(map[string]StageDescriptor, len(stages)),
		declared: make([]string, 0, len(stages)),
		inEdges:  make(map[string][]string, len(stages)),
		outEdges: make(map[string][]string, len(stages)),
	}

	var errs []error
	for _, s := range stages {
		if err := validateStageName(s.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := g.stages[s.Name]; exists {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name))
			continue
		}
		g.stages[s.Name] = StageDescriptor{Name: s.Name, Requires: dedupe(s.Requires)}
		g.declared = append(g.declared, s.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := g.extractEdges(); err != nil {
		return nil, err
	}
	if err := g.sortStages(); err != nil {
		return nil, err
	}
	return g, nil
}

// CompileMap compiles stages given as a name-keyed map. An empty
// descriptor Name takes the key; a Name that disagrees with its key is
// rejected. Keys are processed in sorted order so the result does not
// depend on map iteration.
func CompileMap(stages map[string]StageDescriptor) (*Graph, error) {
	keys := make([]string, 0, len(stages))
	for k := range stages {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]StageDescriptor, 0, len(keys))
	for _, k := range keys {
		s := stages[k]
		if s.Name == "" {
			s.Name = k
		}
		if s.Name != k {
			return nil, fmt.Errorf("%w: key %q holds stage %q", ErrInvalidStageName, k, s.Name)
		}
		list = append(list, s)
	}
	return Compile(list)
}

// MustCompile is like Compile but panics on error.
// Intended for package-level stage tables that are known to be valid.
func MustCompile(stages []StageDescriptor) *Graph {
	g, err := Compile(stages)
	if err != nil {
		panic(fmt.Sprintf("stageflow: %v", err))
	}
	return g
}

func validateStageName(name string) error {
	if name == "" {
		return ErrEmptyStageName
	}
	if strings.HasPrefix(name, beforePrefix) || strings.HasPrefix(name, afterPrefix) {
		return fmt.Errorf("%w: %q uses a reserved event prefix", ErrInvalidStageName, name)
	}
	if strings.ContainsAny(name, " \t\n\r") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidStageName, name)
	}
	return nil
}

// dedupe copies names, dropping repeats but keeping first-seen order.
func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// extractEdges builds both edge indices from the requires lists.
// "in" means the stage has a requirement fulfilled by the other;
// "out" means the stage fulfills a requirement of the other.
func (g *Graph) extractEdges() error {
	var errs []error
	for _, name := range g.declared {
		for _, req := range g.stages[name].Requires {
			if _, ok := g.stages[req]; !ok {
				errs = append(errs, &UnknownStageError{Stage: req, RequiredBy: name})
				continue
			}
			g.inEdges[name] = append(g.inEdges[name], req)
			g.outEdges[req] = append(g.outEdges[req], name)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, name := range g.declared {
		if len(g.inEdges[name]) == 0 {
			g.roots = append(g.roots, name)
		}
	}
	return nil
}

const (
	unvisited uint8 = iota
	inProgress
	done
)

// sortStages runs the depth-first topological sort from every root.
// It walks an explicit stack so graph depth is bounded by memory rather
// than the goroutine stack.
func (g *Graph) sortStages() error {
	type frame struct {
		name string
		next int // index into outEdges[name]
	}

	marks := make(map[string]uint8, len(g.declared))
	postorder := make([]string, 0, len(g.declared))

	for _, root := range g.roots {
		if marks[root] != unvisited {
			continue
		}
		marks[root] = inProgress
		stack := []frame{{name: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.outEdges[top.name]
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch marks[dep] {
				case inProgress:
					path := make([]string, 0, len(stack)+1)
					for i := len(stack) - 1; i >= 0; i-- {
						path = append(path, stack[i].name)
						if stack[i].name == dep {
							break
						}
					}
					slices.Reverse(path)
					path = append(path, dep)
					return &CyclicDependencyError{Stage: dep, Path: path}
				case unvisited:
					marks[dep] = inProgress
					stack = append(stack, frame{name: dep})
				}
				continue
			}
			marks[top.name] = done
			postorder = append(postorder, top.name)
			stack = stack[:len(stack)-1]
		}
	}

	if len(postorder) != len(g.declared) {
		return &CyclicDependencyError{Path: g.unreachableCycle(marks)}
	}

	slices.Reverse(postorder)
	g.sorted = postorder
	g.rank = make(map[string]int, len(postorder))
	for i, name := range postorder {
		g.rank[name] = i
	}
	return nil
}

// unreachableCycle extracts one cycle among the stages no root reached.
//
// Every unreached stage has at least one requirement, and all of its
// requirements are unreached too (a reached requirement would have
// visited it). Walking requirements from any unreached stage therefore
// never leaves that set and must revisit a stage.
func (g *Graph) unreachableCycle(marks map[string]uint8) []string {
	var start string
	for _, name := range g.declared {
		if marks[name] != done {
			start = name
			break
		}
	}
	if start == "" {
		return nil
	}

	seen := make(map[string]int)
	var walk []string
	for current := start; ; {
		if at, ok := seen[current]; ok {
			cycle := append(walk[at:len(walk):len(walk)], current)
			slices.Reverse(cycle)
			return cycle
		}
		seen[current] = len(walk)
		walk = append(walk, current)

		next := ""
		for _, req := range g.inEdges[current] {
			if marks[req] != done {
				next = req
				break
			}
		}
		if next == "" {
			return walk
		}
		current = next
	}
}

// StageNames returns all stage names in compiled topological order.
func (g *Graph) StageNames() []string {
	return slices.Clone(g.sorted)
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.sorted)
}

// Has reports whether the graph declares the stage.
func (g *Graph) Has(name string) bool {
	_, ok := g.stages[name]
	return ok
}

// Stage returns the descriptor for a stage.
func (g *Graph) Stage(name string) (StageDescriptor, bool) {
	s, ok := g.stages[name]
	if !ok {
		return StageDescriptor{}, false
	}
	return StageDescriptor{Name: s.Name, Requires: slices.Clone(s.Requires)}, true
}

// Requires returns the stages the given stage depends on, in declaration order.
func (g *Graph) Requires(name string) []string {
	return slices.Clone(g.inEdges[name])
}

// Dependents returns the stages that require the given stage, in
// declaration order. This is the order in which a pass enqueues them.
func (g *Graph) Dependents(name string) []string {
	return slices.Clone(g.outEdges[name])
}

// Roots returns the stages without requirements, in input order.
func (g *Graph) Roots() []string {
	return slices.Clone(g.roots)
}

// Reachable returns the stage itself and every stage transitively
// depending on it, in topological order. These are exactly the stages a
// pass rooted at name can dispatch. Returns nil for unknown stages.
func (g *Graph) Reachable(name string) []string {
	if !g.Has(name) {
		return nil
	}
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range g.outEdges[current] {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return g.rank[out[i]] < g.rank[out[j]]
	})
	return out
}

// dependents returns the internal dependents slice without copying.
// Used by the scheduler, which never mutates it.
func (g *Graph) dependents(name string) []string {
	return g.outEdges[name]
}
