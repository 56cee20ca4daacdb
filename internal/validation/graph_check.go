package validation

import (
	"github.com/adhens/cyclone/internal/graph"
	"github.com/adhens/cyclone/pkg/schema"
)

// validateGraph runs the execution planner over the definition: strongly
// connected component detection, cycle config coverage, condensation ordering
// and single-pass orderability all happen there. Planner failures surface as
// validation errors.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	plan, err := graph.Build(def)
	if err != nil {
		if engErr, ok := err.(*schema.EngineError); ok {
			result.AddError("/", engErr.Code, engErr.Message)
		} else {
			result.AddError("/", schema.ErrCodeGraphStructure, err.Error())
		}
		return result
	}

	// A plan that is nothing but cycles usually means a missing seed segment;
	// the first cycle then depends entirely on external parameters.
	if len(plan.Units) > 0 && plan.Units[0].Kind == graph.UnitCycle {
		result.AddWarning("/", schema.ErrCodeValidation,
			"workflow starts with a cycle; its first iteration resolves inputs from external parameters only")
	}

	return result
}
