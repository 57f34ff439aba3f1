package model

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validate rejects plans that cannot be executed: no tasks, missing or
// duplicate ids, unknown or self dependencies, cycles, unknown patterns and
// routes that point outside the task's dependents.
func (p *Plan) Validate() error {
	if !p.Pattern.Valid() {
		return &ValidationError{Reason: ReasonBadPattern, Detail: string(p.Pattern)}
	}
	if len(p.Tasks) == 0 {
		return &ValidationError{Reason: ReasonEmpty, Detail: "plan has no tasks"}
	}
	if p.CheckpointEvery < 0 {
		return &ValidationError{Reason: ReasonNegativeValue, Detail: "checkpoint_every"}
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t == nil || strings.TrimSpace(t.ID) == "" {
			return &ValidationError{Reason: ReasonMissingID, Detail: fmt.Sprintf("task at index %d", i)}
		}
		if seen[t.ID] {
			return &ValidationError{Reason: ReasonDuplicateID, TaskIDs: []string{t.ID}}
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Role) == "" {
			return &ValidationError{Reason: ReasonMissingRole, TaskIDs: []string{t.ID}}
		}
		if t.MaxRetries < 0 || t.Timeout < 0 {
			return &ValidationError{Reason: ReasonNegativeValue, TaskIDs: []string{t.ID}}
		}
	}

	for _, t := range p.Tasks {
		for _, d := range t.DependsOn {
			if d == t.ID {
				return &ValidationError{Reason: ReasonSelfDep, TaskIDs: []string{t.ID}}
			}
			if !seen[d] {
				return &ValidationError{Reason: ReasonUnknownDep, TaskIDs: []string{t.ID, d}}
			}
		}
	}

	g := newGraph(p)
	if order := g.topoOrder(); len(order) != len(p.Tasks) {
		return &ValidationError{Reason: ReasonCycle, TaskIDs: g.cycleWitness()}
	}

	for _, t := range p.Tasks {
		if t.Route == nil {
			continue
		}
		dependents := make(map[string]bool)
		for _, id := range p.Dependents(t.ID) {
			dependents[id] = true
		}
		targets := append([]string(nil), t.Route.Default...)
		for _, ids := range t.Route.Cases {
			targets = append(targets, ids...)
		}
		for _, id := range targets {
			if !dependents[id] {
				return &ValidationError{
					Reason:  ReasonBadRoute,
					TaskIDs: []string{t.ID, id},
					Detail:  "route target must depend on the routing task",
				}
			}
		}
	}
	return nil
}

// TopologicalOrder returns the tasks in a dependency-respecting order. Ties
// are broken by declaration order so the result is deterministic.
func (p *Plan) TopologicalOrder() ([]*Task, error) {
	g := newGraph(p)
	order := g.topoOrder()
	if len(order) != len(p.Tasks) {
		return nil, &ValidationError{Reason: ReasonCycle, TaskIDs: g.cycleWitness()}
	}
	out := make([]*Task, len(order))
	for i, idx := range order {
		out[i] = p.Tasks[idx]
	}
	return out, nil
}

// Signature identifies the shape of a plan: pattern, task ids, roles and
// dependency edges. Runs of the same plan share a signature regardless of
// their workflow id or inputs.
func (p *Plan) Signature() string {
	lines := make([]string, 0, len(p.Tasks)+1)
	lines = append(lines, "pattern="+string(p.Pattern))
	for _, t := range p.Tasks {
		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		lines = append(lines, fmt.Sprintf("%s|%s|%s", t.ID, t.Role, strings.Join(deps, ",")))
	}
	sort.Strings(lines[1:])
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

// LoadPlan reads a plan from a YAML or JSON file, chosen by extension.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	var p Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &p)
	default:
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &p, nil
}

// graph indexes a plan's tasks by declaration position.
type graph struct {
	ids      []string
	indeg    []int
	outgoing [][]int
}

func newGraph(p *Plan) *graph {
	index := make(map[string]int, len(p.Tasks))
	for i, t := range p.Tasks {
		index[t.ID] = i
	}
	g := &graph{
		ids:      make([]string, len(p.Tasks)),
		indeg:    make([]int, len(p.Tasks)),
		outgoing: make([][]int, len(p.Tasks)),
	}
	for i, t := range p.Tasks {
		g.ids[i] = t.ID
		for _, d := range t.DependsOn {
			j, ok := index[d]
			if !ok {
				continue
			}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
	}
	return g
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with a min-heap over declaration index.
func (g *graph) topoOrder() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycleWitness returns one cycle as a path of ids, first id repeated last.
func (g *graph) cycleWitness() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}

	// cycle was collected against edge direction (dependency -> dependent);
	// reverse it so the path reads in execution order.
	out := make([]string, len(cycle))
	for i, idx := range cycle {
		out[len(cycle)-1-i] = g.ids[idx]
	}
	return out
}
