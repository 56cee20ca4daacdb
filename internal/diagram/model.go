package diagram

import (
	"fmt"

	"github.com/adhens/cyclone/internal/graph"
	"github.com/adhens/cyclone/pkg/schema"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []Node
	Edges  []Edge
	Cycles []CycleGroup

	// Order lists the schedulable units in execution order, each unit as
	// its node IDs in pass order.
	Order []UnitInfo
}

// Node is a single workflow node.
type Node struct {
	ID      string
	Type    string
	Guarded bool // has a CEL condition
}

// Edge is a data dependency. Carry edges propagate across iterations
// instead of within one pass.
type Edge struct {
	From  string
	To    string
	Label string
	Carry bool
}

// CycleGroup is one cycle with its convergence condition.
type CycleGroup struct {
	ID            string
	Members       []string
	Condition     string
	MaxIterations int
}

// UnitInfo describes one unit of the execution plan.
type UnitInfo struct {
	Kind  string // "segment" or "cycle"
	ID    string // cycle id, empty for segments
	Nodes []string
}

// FromDefinition builds a Model from a workflow definition and its resolved
// execution plan.
func FromDefinition(def *schema.WorkflowDefinition, plan *graph.Plan) *Model {
	m := &Model{Title: def.Name}

	for _, n := range def.Nodes {
		m.Nodes = append(m.Nodes, Node{
			ID:      n.ID,
			Type:    n.Type,
			Guarded: n.Condition != "",
		})
	}

	for _, c := range def.Connections {
		m.Edges = append(m.Edges, Edge{
			From:  c.From,
			To:    c.To,
			Label: c.ToInput,
		})
	}

	for _, cfg := range def.Cycles {
		m.Cycles = append(m.Cycles, CycleGroup{
			ID:            cfg.ID,
			Members:       cfg.Members,
			Condition:     cfg.Condition,
			MaxIterations: cfg.MaxIterations,
		})
		for _, carry := range cfg.Carries {
			m.Edges = append(m.Edges, Edge{
				From:  carry.From,
				To:    carry.To,
				Label: carry.ToInput,
				Carry: true,
			})
		}
	}

	for i, unit := range plan.Units {
		info := UnitInfo{Kind: string(unit.Kind), Nodes: unit.Nodes}
		if unit.Cycle != nil {
			info.ID = unit.Cycle.ID
		}
		if info.ID == "" && unit.Kind == graph.UnitCycle {
			info.ID = fmt.Sprintf("cycle-%d", i)
		}
		m.Order = append(m.Order, info)
	}

	return m
}

// memberOfCycle returns the cycle a node belongs to, or nil.
func (m *Model) memberOfCycle(nodeID string) *CycleGroup {
	for i := range m.Cycles {
		for _, member := range m.Cycles[i].Members {
			if member == nodeID {
				return &m.Cycles[i]
			}
		}
	}
	return nil
}
