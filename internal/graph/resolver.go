// Package graph partitions a workflow into an ordered sequence of execution
// units: single-pass DAG segments and cycle groups (strongly connected
// components), ordered by a topological sort of the condensation graph.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adhens/cyclone/pkg/schema"
)

// UnitKind discriminates execution units.
type UnitKind string

const (
	UnitSegment UnitKind = "segment"
	UnitCycle   UnitKind = "cycle"
)

// Unit is one schedulable portion of a workflow: either a DAG segment
// executed once, or a cycle group executed iteratively. Nodes holds a valid
// topological order; for cycles, the single-pass order with carry edges
// excluded.
type Unit struct {
	Kind  UnitKind
	Nodes []string
	Cycle *schema.CycleConfig
}

// Plan is the ordered execution plan for one workflow.
type Plan struct {
	Units []Unit

	// Edges is the full data-dependency adjacency (from -> to), deduplicated.
	Edges map[string][]string
}

// Build partitions the workflow graph. Components of size 1 without a
// self-loop become DAG nodes (grouped into maximal consecutive segments);
// components with an internal edge become cycle groups and must be covered by
// exactly one CycleConfig whose members match the component.
func Build(def *schema.WorkflowDefinition) (*Plan, error) {
	nodeIDs := make([]string, 0, len(def.Nodes))
	nodeSet := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, schema.NewError(schema.ErrCodeGraphStructure, "node with empty ID")
		}
		if nodeSet[n.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeGraphStructure, "duplicate node ID: %s", n.ID)
		}
		nodeSet[n.ID] = true
		nodeIDs = append(nodeIDs, n.ID)
	}

	edges, err := buildEdges(def, nodeSet)
	if err != nil {
		return nil, err
	}

	components := stronglyConnected(nodeIDs, edges)

	// Map every node to its component index.
	compOf := make(map[string]int, len(nodeIDs))
	for i, comp := range components {
		for _, id := range comp {
			compOf[id] = i
		}
	}

	order, err := condensationOrder(components, compOf, edges)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Edges: edges}
	var segment []string

	flushSegment := func() {
		if len(segment) > 0 {
			plan.Units = append(plan.Units, Unit{Kind: UnitSegment, Nodes: segment})
			segment = nil
		}
	}

	for _, ci := range order {
		comp := components[ci]
		if !isCyclic(comp, edges) {
			segment = append(segment, comp[0])
			continue
		}

		flushSegment()
		cfg, err := matchCycleConfig(def, comp)
		if err != nil {
			return nil, err
		}
		passOrder, err := singlePassOrder(comp, edges, cfg)
		if err != nil {
			return nil, err
		}
		plan.Units = append(plan.Units, Unit{Kind: UnitCycle, Nodes: passOrder, Cycle: cfg})
	}
	flushSegment()

	return plan, nil
}

// buildEdges builds the deduplicated adjacency from the connection set,
// rejecting references to undeclared nodes.
func buildEdges(def *schema.WorkflowDefinition, nodeSet map[string]bool) (map[string][]string, error) {
	edges := make(map[string][]string)
	seen := make(map[[2]string]bool)

	for _, c := range def.Connections {
		if !nodeSet[c.From] {
			return nil, schema.NewErrorf(schema.ErrCodeGraphStructure,
				"connection references non-existent source node: %s", c.From)
		}
		if !nodeSet[c.To] {
			return nil, schema.NewErrorf(schema.ErrCodeGraphStructure,
				"connection references non-existent target node: %s", c.To)
		}
		key := [2]string{c.From, c.To}
		if seen[key] {
			continue
		}
		seen[key] = true
		edges[c.From] = append(edges[c.From], c.To)
	}

	for from := range edges {
		sort.Strings(edges[from])
	}
	return edges, nil
}

// stronglyConnected computes SCCs with Tarjan's algorithm. Components are
// returned in reverse topological order of discovery; ordering is finalized
// by condensationOrder.
func stronglyConnected(nodeIDs []string, edges map[string][]string) [][]string {
	index := make(map[string]int, len(nodeIDs))
	lowlink := make(map[string]int, len(nodeIDs))
	onStack := make(map[string]bool, len(nodeIDs))
	var stack []string
	var components [][]string
	counter := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if _, visited := index[w]; !visited {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			components = append(components, comp)
		}
	}

	for _, id := range nodeIDs {
		if _, visited := index[id]; !visited {
			strongconnect(id)
		}
	}
	return components
}

// isCyclic reports whether a component needs iterative execution: more than
// one member, or a single member with a self-loop.
func isCyclic(comp []string, edges map[string][]string) bool {
	if len(comp) > 1 {
		return true
	}
	id := comp[0]
	for _, to := range edges[id] {
		if to == id {
			return true
		}
	}
	return false
}

// condensationOrder topologically sorts the component graph with Kahn's
// algorithm, breaking ties by the smallest member so the order is stable.
func condensationOrder(components [][]string, compOf map[string]int, edges map[string][]string) ([]int, error) {
	n := len(components)
	succ := make(map[int]map[int]bool, n)
	inDegree := make([]int, n)

	for from, tos := range edges {
		for _, to := range tos {
			cf, ct := compOf[from], compOf[to]
			if cf == ct {
				continue
			}
			if succ[cf] == nil {
				succ[cf] = make(map[int]bool)
			}
			if !succ[cf][ct] {
				succ[cf][ct] = true
				inDegree[ct]++
			}
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sortByFirstMember(queue, components)

	var sorted []int
	for len(queue) > 0 {
		ci := queue[0]
		queue = queue[1:]
		sorted = append(sorted, ci)

		var ready []int
		for next := range succ[ci] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sortByFirstMember(ready, components)
		queue = append(queue, ready...)
	}

	if len(sorted) != n {
		return nil, schema.NewError(schema.ErrCodeGraphStructure,
			"condensation graph is not acyclic")
	}
	return sorted, nil
}

func sortByFirstMember(indices []int, components [][]string) {
	sort.Slice(indices, func(a, b int) bool {
		return components[indices[a]][0] < components[indices[b]][0]
	})
}

// matchCycleConfig finds the CycleConfig whose member set equals the detected
// component. A cycle without a covering config, or a config that only
// partially covers it, is a structural error.
func matchCycleConfig(def *schema.WorkflowDefinition, comp []string) (*schema.CycleConfig, error) {
	compSet := make(map[string]bool, len(comp))
	for _, id := range comp {
		compSet[id] = true
	}

	for i := range def.Cycles {
		cfg := &def.Cycles[i]
		if !touches(cfg.Members, compSet) {
			continue
		}
		if !sameMembers(cfg.Members, compSet) {
			return nil, schema.NewErrorf(schema.ErrCodeGraphStructure,
				"cycle config %q does not cover the detected cycle {%s}",
				cycleName(cfg, comp), strings.Join(comp, ", "))
		}
		matched := *cfg
		if matched.ID == "" {
			matched.ID = defaultCycleID(comp)
		}
		for _, carry := range matched.Carries {
			if !compSet[carry.From] || !compSet[carry.To] {
				return nil, schema.NewErrorf(schema.ErrCodeGraphStructure,
					"cycle %q carry %s -> %s references a node outside the cycle",
					matched.ID, carry.From, carry.To)
			}
		}
		return &matched, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeGraphStructure,
		"detected cycle {%s} has no cycle config", strings.Join(comp, ", "))
}

func touches(members []string, compSet map[string]bool) bool {
	for _, m := range members {
		if compSet[m] {
			return true
		}
	}
	return false
}

func sameMembers(members []string, compSet map[string]bool) bool {
	if len(members) != len(compSet) {
		return false
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if !compSet[m] || seen[m] {
			return false
		}
		seen[m] = true
	}
	return true
}

func cycleName(cfg *schema.CycleConfig, comp []string) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	return defaultCycleID(comp)
}

func defaultCycleID(comp []string) string {
	return fmt.Sprintf("cycle:%s", comp[0])
}

// singlePassOrder topologically sorts the cycle's members over the intra-
// component edges with the carry edges excluded. The carries are the
// next-iteration feedback; what remains must be a DAG describing one pass.
func singlePassOrder(comp []string, edges map[string][]string, cfg *schema.CycleConfig) ([]string, error) {
	compSet := make(map[string]bool, len(comp))
	for _, id := range comp {
		compSet[id] = true
	}
	carrySet := make(map[[2]string]bool, len(cfg.Carries))
	for _, carry := range cfg.Carries {
		carrySet[[2]string{carry.From, carry.To}] = true
	}

	inDegree := make(map[string]int, len(comp))
	succ := make(map[string][]string, len(comp))
	for _, from := range comp {
		for _, to := range edges[from] {
			if !compSet[to] || carrySet[[2]string{from, to}] {
				continue
			}
			succ[from] = append(succ[from], to)
			inDegree[to]++
		}
	}

	var queue []string
	for _, id := range comp {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		ready := make([]string, 0, len(succ[id]))
		for _, next := range succ[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(comp) {
		return nil, schema.NewErrorf(schema.ErrCodeGraphStructure,
			"cycle %q has no single-pass order: intra-cycle connections not covered by carries still form a cycle",
			cfg.ID)
	}
	return sorted, nil
}
