package agent

import (
	"sync"

	"github.com/BaSui01/agentmesh/types"
)

// CapabilitySet is a concurrency-safe container of an agent's capabilities.
// Every operation acquires the set's exclusive lock. The zero value is not
// usable; construct one with NewCapabilitySet, or operations fail with
// NOT_INITIALIZED.
type CapabilitySet struct {
	mu          sync.Mutex
	initialized bool
	caps        map[types.CapabilityKey]types.Capability
	order       []types.CapabilityKey
}

// NewCapabilitySet creates an initialized capability set seeded with the
// given capabilities.
func NewCapabilitySet(caps ...types.Capability) *CapabilitySet {
	s := &CapabilitySet{
		initialized: true,
		caps:        make(map[types.CapabilityKey]types.Capability, len(caps)),
	}
	for _, c := range caps {
		s.addLocked(c)
	}
	return s
}

// addLocked inserts a capability preserving insertion order. Re-adding an
// existing (kind, version) replaces the stored value in place.
func (s *CapabilitySet) addLocked(c types.Capability) {
	key := c.Key()
	if _, exists := s.caps[key]; !exists {
		s.order = append(s.order, key)
	}
	s.caps[key] = c
}

// Add inserts a capability into the set.
func (s *CapabilitySet) Add(c types.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return types.NewError(types.ErrNotInitialized, "capability set is not initialized")
	}
	s.addLocked(c)
	return nil
}

// Remove deletes a capability by its (kind, version) identity. Removing an
// absent capability is a no-op.
func (s *CapabilitySet) Remove(c types.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return types.NewError(types.ErrNotInitialized, "capability set is not initialized")
	}
	key := c.Key()
	if _, exists := s.caps[key]; !exists {
		return nil
	}
	delete(s.caps, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Has reports whether the exact (kind, version) capability is present.
func (s *CapabilitySet) Has(c types.Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false
	}
	_, ok := s.caps[c.Key()]
	return ok
}

// HasKind reports whether any capability of the given kind is present,
// regardless of version. CapabilityKind is a string type, so raw string
// kinds convert directly.
func (s *CapabilitySet) HasKind(kind types.CapabilityKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false
	}
	for _, key := range s.order {
		if key.Kind == kind {
			return true
		}
	}
	return false
}

// Get returns the first capability of the given kind in insertion order.
func (s *CapabilitySet) Get(kind types.CapabilityKind) (types.Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return types.Capability{}, types.NewError(types.ErrNotInitialized, "capability set is not initialized")
	}
	for _, key := range s.order {
		if key.Kind == kind {
			return s.caps[key], nil
		}
	}
	return types.Capability{}, types.Errorf(types.ErrNotFound, "no capability of kind %q", kind)
}

// GetByKind returns every capability of the given kind in insertion order.
func (s *CapabilitySet) GetByKind(kind types.CapabilityKind) []types.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	var out []types.Capability
	for _, key := range s.order {
		if key.Kind == kind {
			out = append(out, s.caps[key])
		}
	}
	return out
}

// Snapshot returns a copy of the set's contents in insertion order.
func (s *CapabilitySet) Snapshot() []types.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	out := make([]types.Capability, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.caps[key])
	}
	return out
}

// Len returns the number of capabilities in the set.
func (s *CapabilitySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caps)
}
