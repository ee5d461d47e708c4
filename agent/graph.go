package agent

import "context"

// KnowledgeGraph is the optional external collaborator an agent reflects
// its state into. The runtime passes SPARQL strings through verbatim and
// never interprets the graph's schema.
type KnowledgeGraph interface {
	// Initialize prepares the collaborator for use.
	Initialize(ctx context.Context) error
	// AddTriple records a (subject, predicate, object) statement.
	AddTriple(ctx context.Context, subject, predicate, object string) error
	// RemoveTriple removes matching statements. A nil object removes every
	// statement with the given subject and predicate.
	RemoveTriple(ctx context.Context, subject, predicate string, object *string) error
	// QueryGraph runs a SPARQL query and returns the raw bindings.
	QueryGraph(ctx context.Context, sparql string) ([]map[string]any, error)
	// UpdateGraph applies a batch of opaque updates.
	UpdateGraph(ctx context.Context, updates map[string]any) error
	// Cleanup releases the collaborator's resources.
	Cleanup(ctx context.Context) error
}

// statusPredicate is the predicate agents use to reflect their status into
// the knowledge graph. The prior status triple is removed before the new
// one is written so that the reflection stays single-valued.
const statusPredicate = "has_status"
