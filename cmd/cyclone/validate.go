package main

import (
	"fmt"
	"os"
)

// cmdValidate runs the full validation pipeline on a workflow file and
// prints every error and warning found.
func cmdValidate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cyclone validate <workflow.json>")
		return 2
	}

	def, err := loadDefinition(args[0])
	if err != nil {
		return fatal(err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fatal(err)
	}
	s, err := buildStack(cfg)
	if err != nil {
		return fatal(err)
	}
	defer s.close()

	result := s.validator.Validate(def)
	printJSON(result)

	if !result.Valid() {
		fmt.Fprintf(os.Stderr, "invalid: %d error(s), %d warning(s)\n", len(result.Errors), len(result.Warnings))
		return 1
	}
	fmt.Fprintf(os.Stderr, "valid: %d warning(s)\n", len(result.Warnings))
	return 0
}
