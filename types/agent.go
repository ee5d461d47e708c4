package types

import "context"

// =============================================================================
// Minimal Agent Execution Interfaces
// =============================================================================
// These interfaces define the smallest common contract shared by all agent
// variants in the runtime. Workflow steps probe for Executor first and fall
// back to message dispatch when an agent does not implement it.
//
// The types package is the lowest-level package with no internal dependencies,
// so placing these interfaces here avoids circular imports.
// =============================================================================

// Executor is the minimal typed execution interface. All agent variants
// share this common contract: an identity (ID) and the ability to execute
// a payload directly, without message envelope framing.
type Executor interface {
	// ID returns the agent's unique identifier.
	ID() string
	// Execute runs the agent with the given payload and returns the result.
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// Named is an optional interface for agents that have a display name.
// Use a type assertion to check if an Executor also implements Named:
//
//	if named, ok := executor.(types.Named); ok {
//	    fmt.Println(named.Name())
//	}
type Named interface {
	// Name returns the agent's human-readable display name.
	Name() string
}
