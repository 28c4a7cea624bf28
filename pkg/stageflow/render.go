package stageflow

import (
	"fmt"
	"strings"
)

// Mermaid renders the graph as a Mermaid flowchart.
//
// Stages are listed in compiled order. Root stages are drawn as circles,
// every other stage as a rectangle, and each requirement as an arrow from
// the prerequisite to the stage requiring it.
func (g *Graph) Mermaid() string {
	return g.mermaid("")
}

// MermaidPass renders the graph like Mermaid and highlights the stages a
// pass rooted at root dispatches. Unknown roots render without highlight.
func (g *Graph) MermaidPass(root string) string {
	return g.mermaid(root)
}

func (g *Graph) mermaid(root string) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	ids := make(map[string]string, len(g.sorted))
	used := make(map[string]bool, len(g.sorted))
	for _, name := range g.sorted {
		id := sanitizeMermaidID(name)
		for base, n := id, 2; used[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		used[id] = true
		ids[name] = id
	}

	for _, name := range g.sorted {
		opener, closer := "[", "]"
		if len(g.inEdges[name]) == 0 {
			opener, closer = "((", "))"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", ids[name], opener, strings.ReplaceAll(name, `"`, "'"), closer)
	}

	for _, name := range g.sorted {
		for _, dep := range g.outEdges[name] {
			fmt.Fprintf(&sb, "    %s --> %s\n", ids[name], ids[dep])
		}
	}

	if reach := g.Reachable(root); len(reach) > 0 {
		sb.WriteString("\n    classDef root fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		sb.WriteString("    classDef reached fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		fmt.Fprintf(&sb, "    class %s root;\n", ids[root])
		for _, name := range reach {
			if name != root {
				fmt.Fprintf(&sb, "    class %s reached;\n", ids[name])
			}
		}
	}

	return sb.String()
}

func sanitizeMermaidID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
