package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentmesh/types"
)

// ValidationResult is the outcome of a workflow validation.
type ValidationResult struct {
	// Valid is true when no errors were found. Warnings alone do not
	// make a workflow invalid.
	Valid bool `json:"valid"`

	// Errors lists conditions that prevent execution.
	Errors []string `json:"errors,omitempty"`

	// Warnings lists conditions worth attention but not fatal.
	Warnings []string `json:"warnings,omitempty"`

	// MissingCapabilities lists required kinds with no live provider.
	MissingCapabilities []types.CapabilityKind `json:"missing_capabilities,omitempty"`
}

// ValidateWorkflow checks a workflow's structure and the availability
// of its capabilities without executing it. Step references must
// resolve, the next_steps graph must be acyclic and every required
// capability needs at least one live provider. Kinds served by a single
// agent produce a warning.
func (m *Manager) ValidateWorkflow(workflowID string) (*ValidationResult, error) {
	w, _, err := m.lookup(workflowID)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{}
	steps := w.Steps()
	required := w.RequiredCapabilities()

	if len(steps) == 0 && len(required) == 0 {
		result.Warnings = append(result.Warnings, "workflow has no steps and no required capabilities")
	}

	known := make(map[string]bool, len(steps))
	for _, step := range steps {
		known[step.ID] = true
	}
	for _, step := range steps {
		for _, next := range step.NextSteps {
			if !known[next] {
				result.Errors = append(result.Errors, fmt.Sprintf("step %s references unknown step %s", step.ID, next))
			}
		}
	}

	if cycle := findCycle(steps); cycle != "" {
		result.Errors = append(result.Errors, fmt.Sprintf("step dependency cycle involving %s", cycle))
	}

	report := m.registry.ValidateCapabilities(required)
	if !report.Satisfied() {
		result.MissingCapabilities = append([]types.CapabilityKind(nil), report.Missing...)
		result.Errors = append(result.Errors, fmt.Sprintf("missing capabilities: %s", joinKinds(report.Missing)))
	}
	for _, kind := range required {
		ids := report.AgentsByKind[kind]
		if len(ids) == 1 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("capability %s has a single provider %s", kind, ids[0]))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// Colors of the cycle-detection walk.
const (
	colorWhite = iota
	colorGrey
	colorBlack
)

// findCycle walks the next_steps graph depth-first and returns a step
// id on a cycle, or empty when the graph is acyclic. References to
// unknown steps are ignored here; they are reported separately.
func findCycle(steps []Step) string {
	adjacency := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))
	for _, step := range steps {
		order = append(order, step.ID)
		adjacency[step.ID] = nil
	}
	for _, step := range steps {
		for _, next := range step.NextSteps {
			if _, ok := adjacency[next]; ok {
				adjacency[step.ID] = append(adjacency[step.ID], next)
			}
		}
	}

	color := make(map[string]int, len(order))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = colorGrey
		for _, next := range adjacency[id] {
			switch color[next] {
			case colorGrey:
				return next
			case colorWhite:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = colorBlack
		return ""
	}

	for _, id := range order {
		if color[id] == colorWhite {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// joinKinds renders capability kinds as a comma-separated list.
func joinKinds(kinds []types.CapabilityKind) string {
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = kind.String()
	}
	return strings.Join(names, ", ")
}
