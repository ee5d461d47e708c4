package persistence

import "fmt"

// NewSnapshotStore creates a new SnapshotStore based on the configuration
func NewSnapshotStore(config StoreConfig) (SnapshotStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemorySnapshotStore(config), nil
	case StoreTypeFile:
		return NewFileSnapshotStore(config)
	case StoreTypeRedis:
		return NewRedisSnapshotStore(config)
	case StoreTypeSQL:
		return NewSQLSnapshotStore(config)
	default:
		return nil, fmt.Errorf("unsupported snapshot store type: %s", config.Type)
	}
}

// MustNewSnapshotStore creates a new SnapshotStore or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). For runtime store creation, use NewSnapshotStore
// instead.
func MustNewSnapshotStore(config StoreConfig) SnapshotStore {
	store, err := NewSnapshotStore(config)
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot store: %v", err))
	}
	return store
}
