package validation

import (
	"fmt"
	"time"

	"github.com/adhens/cyclone/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: node types registered, connection and carry endpoints valid, cycle
// member references valid, no node claimed by more than one cycle config.
func validateSemantic(def *schema.WorkflowDefinition, lookup NodeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	for i, n := range def.Nodes {
		if lookup != nil && !lookup.Has(n.Type) {
			result.AddError(fmt.Sprintf("nodes[%d].type", i), schema.ErrCodeNotFound,
				fmt.Sprintf("node type %q not registered", n.Type))
		}
	}

	for i, c := range def.Connections {
		path := fmt.Sprintf("connections[%d]", i)
		if !nodeIDs[c.From] {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", c.From))
		}
		if !nodeIDs[c.To] {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", c.To))
		}
	}

	claimedBy := make(map[string]string, len(def.Nodes))
	for i := range def.Cycles {
		validateCycleSemantic(&def.Cycles[i], i, nodeIDs, claimedBy, def.Timeout, result)
	}

	return result
}

// validateCycleSemantic checks one cycle config: member refs, carry endpoints
// inside the member set, and overlap with other configs.
func validateCycleSemantic(cfg *schema.CycleConfig, idx int, nodeIDs map[string]bool, claimedBy map[string]string, runTimeout string, result *schema.ValidationResult) {
	path := fmt.Sprintf("cycles[%d]", idx)
	name := cfg.ID
	if name == "" {
		name = path
	}

	memberSet := make(map[string]bool, len(cfg.Members))
	for j, m := range cfg.Members {
		if !nodeIDs[m] {
			result.AddError(fmt.Sprintf("%s.members[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", m))
			continue
		}
		if memberSet[m] {
			result.AddError(fmt.Sprintf("%s.members[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate member %q", m))
			continue
		}
		memberSet[m] = true

		if owner, taken := claimedBy[m]; taken {
			result.AddError(fmt.Sprintf("%s.members[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("node %q already belongs to cycle %q", m, owner))
		} else {
			claimedBy[m] = name
		}
	}

	for j, carry := range cfg.Carries {
		carryPath := fmt.Sprintf("%s.carries[%d]", path, j)
		if !memberSet[carry.From] {
			result.AddError(carryPath+".from", schema.ErrCodeValidation,
				fmt.Sprintf("carry source %q is not a cycle member", carry.From))
		}
		if !memberSet[carry.To] {
			result.AddError(carryPath+".to", schema.ErrCodeValidation,
				fmt.Sprintf("carry target %q is not a cycle member", carry.To))
		}
	}

	if cfg.MaxIterations > 10000 {
		result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
			fmt.Sprintf("high iteration cap (%d) may mask a non-converging condition", cfg.MaxIterations))
	}

	// A cycle timeout longer than the run timeout never fires.
	if cfg.Timeout != "" && runTimeout != "" {
		cDur, cErr := time.ParseDuration(cfg.Timeout)
		rDur, rErr := time.ParseDuration(runTimeout)
		if cErr == nil && rErr == nil && cDur > rDur {
			result.AddWarning(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("cycle timeout (%s) exceeds run timeout (%s); the run deadline fires first", cfg.Timeout, runTimeout))
		}
	}
}
