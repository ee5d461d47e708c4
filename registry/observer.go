package registry

import (
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// Observer receives registry lifecycle callbacks. Callbacks are invoked
// synchronously in observer registration order, so an observer that
// maintains a derived view (a routing cache, a workflow assembler) sees
// every mutation before the mutating call returns. Panics are contained
// by the registry and never propagate to the mutating caller.
type Observer interface {
	OnAgentRegistered(agentID string, capabilities []types.Capability)
	OnAgentUnregistered(agentID string)
	OnCapabilityUpdated(agentID string, added, removed []types.Capability)
}

// notifyObservers runs fn over a snapshot of the observer list with a
// per-observer panic guard.
func (r *AgentRegistry) notifyObservers(fn func(Observer)) {
	r.observerMu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.observerMu.RUnlock()

	for _, o := range observers {
		r.invokeObserver(o, fn)
	}
}

func (r *AgentRegistry) invokeObserver(o Observer, fn func(Observer)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("registry observer panicked", zap.Any("recover", rec))
		}
	}()
	fn(o)
}

// AddObserver attaches an observer. Duplicate additions are no-ops.
func (r *AgentRegistry) AddObserver(o Observer) {
	if o == nil {
		return
	}
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	for _, existing := range r.observers {
		if existing == o {
			return
		}
	}
	r.observers = append(r.observers, o)
}

// RemoveObserver detaches an observer previously added with AddObserver.
func (r *AgentRegistry) RemoveObserver(o Observer) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	for i, existing := range r.observers {
		if existing == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}
