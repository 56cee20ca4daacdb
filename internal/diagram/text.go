package diagram

import (
	"fmt"
	"strings"
)

// RenderText renders a Model as a plain-text execution plan: one line per
// unit in execution order, with cycle details indented below.
func RenderText(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", m.Title))
	}

	for i, unit := range m.Order {
		switch unit.Kind {
		case "cycle":
			b.WriteString(fmt.Sprintf("%d. cycle %s  pass: %s\n", i+1, unit.ID, strings.Join(unit.Nodes, " -> ")))
			if cg := findCycle(m.Cycles, unit.ID); cg != nil {
				b.WriteString(fmt.Sprintf("   until: %s (max %d iterations)\n", cg.Condition, cg.MaxIterations))
				for _, e := range m.Edges {
					if e.Carry && containsNode(cg.Members, e.From) {
						b.WriteString(fmt.Sprintf("   carry: %s ~> %s.%s\n", e.From, e.To, e.Label))
					}
				}
			}
		default:
			b.WriteString(fmt.Sprintf("%d. segment  %s\n", i+1, strings.Join(unit.Nodes, " -> ")))
		}
	}

	var guarded []string
	for _, n := range m.Nodes {
		if n.Guarded {
			guarded = append(guarded, n.ID)
		}
	}
	if len(guarded) > 0 {
		b.WriteString(fmt.Sprintf("\nguarded nodes: %s\n", strings.Join(guarded, ", ")))
	}

	return b.String()
}

func findCycle(cycles []CycleGroup, id string) *CycleGroup {
	for i := range cycles {
		if cycles[i].ID == id {
			return &cycles[i]
		}
	}
	return nil
}

func containsNode(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
