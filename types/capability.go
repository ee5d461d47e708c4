package types

// CapabilityKind classifies the work an agent can perform. The built-in
// kinds cover the common orchestration roles; any other string is treated
// as a custom kind.
type CapabilityKind string

const (
	CapabilityKindSensorReading     CapabilityKind = "sensor_reading"
	CapabilityKindDataProcessing    CapabilityKind = "data_processing"
	CapabilityKindResearch          CapabilityKind = "research"
	CapabilityKindMessageProcessing CapabilityKind = "message_processing"
	CapabilityKindMonitoring        CapabilityKind = "monitoring"
	CapabilityKindAnalysis          CapabilityKind = "analysis"
	CapabilityKindReporting         CapabilityKind = "reporting"
	CapabilityKindCoordination      CapabilityKind = "coordination"
)

// builtinKinds maps raw strings back to built-in kinds.
var builtinKinds = map[string]CapabilityKind{
	string(CapabilityKindSensorReading):     CapabilityKindSensorReading,
	string(CapabilityKindDataProcessing):    CapabilityKindDataProcessing,
	string(CapabilityKindResearch):          CapabilityKindResearch,
	string(CapabilityKindMessageProcessing): CapabilityKindMessageProcessing,
	string(CapabilityKindMonitoring):        CapabilityKindMonitoring,
	string(CapabilityKindAnalysis):          CapabilityKindAnalysis,
	string(CapabilityKindReporting):         CapabilityKindReporting,
	string(CapabilityKindCoordination):      CapabilityKindCoordination,
}

// ParseCapabilityKind maps a raw string to a built-in capability kind.
// It reports false for unknown strings; callers decide whether to treat
// those as custom kinds or drop them.
func ParseCapabilityKind(s string) (CapabilityKind, bool) {
	kind, ok := builtinKinds[s]
	return kind, ok
}

// BuiltinKinds returns the predefined capability kinds in declaration order.
func BuiltinKinds() []CapabilityKind {
	return []CapabilityKind{
		CapabilityKindSensorReading,
		CapabilityKindDataProcessing,
		CapabilityKindResearch,
		CapabilityKindMessageProcessing,
		CapabilityKindMonitoring,
		CapabilityKindAnalysis,
		CapabilityKindReporting,
		CapabilityKindCoordination,
	}
}

// CustomKind declares a free-form capability kind outside the built-in set.
func CustomKind(name string) CapabilityKind {
	return CapabilityKind(name)
}

// String returns the kind's raw string value.
func (k CapabilityKind) String() string {
	return string(k)
}

// IsBuiltin reports whether the kind belongs to the predefined set.
func (k CapabilityKind) IsBuiltin() bool {
	_, ok := builtinKinds[string(k)]
	return ok
}

// DefaultCapabilityVersion is assigned when a capability omits its version.
const DefaultCapabilityVersion = "1.0"

// Capability describes a unit of functionality an agent advertises.
// Identity is the (Kind, Version) pair; Description, Parameters and
// Metadata are advisory and do not participate in equality.
type Capability struct {
	Kind        CapabilityKind `json:"kind"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewCapability creates a capability of the given kind. An empty version
// defaults to DefaultCapabilityVersion.
func NewCapability(kind CapabilityKind, version string) Capability {
	if version == "" {
		version = DefaultCapabilityVersion
	}
	return Capability{Kind: kind, Version: version}
}

// CapabilityKey is the map-key identity of a capability.
type CapabilityKey struct {
	Kind    CapabilityKind
	Version string
}

// Key returns the capability's (kind, version) identity.
func (c Capability) Key() CapabilityKey {
	return CapabilityKey{Kind: c.Kind, Version: c.Version}
}

// Equal reports whether two capabilities share the same (kind, version).
func (c Capability) Equal(other Capability) bool {
	return c.Kind == other.Kind && c.Version == other.Version
}

// Is reports whether the capability is of the given kind, regardless of
// version. Kind-level membership tests on capability sets are built on it.
func (c Capability) Is(kind CapabilityKind) bool {
	return c.Kind == kind
}

// WithDescription sets the human-readable description.
func (c Capability) WithDescription(description string) Capability {
	c.Description = description
	return c
}

// WithParameters sets the capability parameters.
func (c Capability) WithParameters(parameters map[string]any) Capability {
	c.Parameters = parameters
	return c
}

// WithMetadata sets the capability metadata.
func (c Capability) WithMetadata(metadata map[string]any) Capability {
	c.Metadata = metadata
	return c
}
