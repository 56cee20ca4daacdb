package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/adhens/cyclone/internal/diagram"
	"github.com/adhens/cyclone/internal/graph"
)

// cmdDiagram renders a workflow's execution plan as Mermaid or plain text.
func cmdDiagram(args []string) int {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", "mermaid", "output format: mermaid or text")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cyclone diagram <workflow.json> [-format mermaid|text]")
		return 2
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	plan, err := graph.Build(def)
	if err != nil {
		return fatal(fmt.Errorf("resolve graph: %w", err))
	}

	model := diagram.FromDefinition(def, plan)
	switch *format {
	case "mermaid":
		fmt.Print(diagram.RenderMermaid(model))
	case "text":
		fmt.Print(diagram.RenderText(model))
	default:
		fmt.Fprintf(os.Stderr, "unknown format %q\n", *format)
		return 2
	}
	return 0
}
