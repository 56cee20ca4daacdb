package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart. Cycle groups become
// subgraphs; carry edges are dashed and run against the pass direction.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", m.Title))
	}

	// Free nodes first, then one subgraph per cycle.
	for _, n := range m.Nodes {
		if m.memberOfCycle(n.ID) != nil {
			continue
		}
		b.WriteString("    " + mermaidNodeDef(n) + "\n")
	}
	for _, cg := range m.Cycles {
		label := cg.ID
		if cg.Condition != "" {
			label = fmt.Sprintf("%s: until %s", cg.ID, cg.Condition)
		}
		b.WriteString(fmt.Sprintf("    subgraph %s[\"%s\"]\n", safeID(cg.ID), escapeLabel(label)))
		for _, n := range m.Nodes {
			if inCycle := m.memberOfCycle(n.ID); inCycle == nil || inCycle.ID != cg.ID {
				continue
			}
			b.WriteString("        " + mermaidNodeDef(n) + "\n")
		}
		b.WriteString("    end\n")
	}

	for _, e := range m.Edges {
		arrow := "-->"
		if e.Carry {
			arrow = "-.->"
		}
		label := ""
		if e.Label != "" {
			label = fmt.Sprintf("|%s|", escapeLabel(e.Label))
		}
		b.WriteString(fmt.Sprintf("    %s %s%s %s\n", safeID(e.From), arrow, label, safeID(e.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef cycleNode fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef guarded stroke-dasharray:5 5\n")
	for _, n := range m.Nodes {
		if m.memberOfCycle(n.ID) != nil {
			b.WriteString(fmt.Sprintf("    class %s cycleNode\n", safeID(n.ID)))
		}
		if n.Guarded {
			b.WriteString(fmt.Sprintf("    class %s guarded\n", safeID(n.ID)))
		}
	}

	return b.String()
}

func mermaidNodeDef(n Node) string {
	label := n.ID
	if n.Type != "" {
		label = fmt.Sprintf("%s (%s)", n.ID, n.Type)
	}
	if n.Guarded {
		return fmt.Sprintf("%s{%q}", safeID(n.ID), escapeLabel(label))
	}
	return fmt.Sprintf("%s[%q]", safeID(n.ID), escapeLabel(label))
}

// safeID converts a node ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}
