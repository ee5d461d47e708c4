package notify

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

func TestNotifier_FIFOOrder(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	var got []string
	n.Subscribe(EventCapabilityChange, func(e Event) error {
		got = append(got, e.(*CapabilityChangeEvent).AgentID)
		return nil
	})

	// 事件严格按入队顺序派发
	const total = 200
	for i := 0; i < total; i++ {
		n.Publish(&CapabilityChangeEvent{AgentID: fmt.Sprintf("agent-%03d", i), Timestamp_: time.Now()})
	}
	n.Drain()

	if len(got) != total {
		t.Fatalf("delivered %d events, want %d", len(got), total)
	}
	for i, id := range got {
		if want := fmt.Sprintf("agent-%03d", i); id != want {
			t.Fatalf("event %d delivered out of order: got %s, want %s", i, id, want)
		}
	}
}

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	gate := make(chan struct{})
	var delivered atomic.Int64
	n.Subscribe(EventAgentRegistered, func(e Event) error {
		<-gate
		delivered.Add(1)
		return nil
	})

	// 消费者被首个事件卡住时，生产者仍可无阻塞地持续入队
	const total = 128
	for i := 0; i < total; i++ {
		n.NotifyAgentRegistered(fmt.Sprintf("agent-%d", i), nil)
	}
	if depth := n.Depth(); depth < total-1 {
		t.Fatalf("Depth() = %d while consumer is blocked, want >= %d", depth, total-1)
	}

	close(gate)
	n.Drain()
	if got := delivered.Load(); got != total {
		t.Fatalf("delivered %d events, want %d", got, total)
	}
}

func TestNotifier_HandlerErrorDoesNotDisruptDispatch(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	var failing, healthy int
	n.Subscribe(EventAgentUnregistered, func(e Event) error {
		failing++
		return errors.New("handler cannot keep up")
	})
	n.Subscribe(EventAgentUnregistered, func(e Event) error {
		healthy++
		return nil
	})

	// 处理器错误被吞掉，同类其他处理器与后续事件不受影响
	n.NotifyAgentUnregistered("agent-a")
	n.NotifyAgentUnregistered("agent-b")
	n.Drain()

	if failing != 2 {
		t.Errorf("failing handler invocations = %d, want 2", failing)
	}
	if healthy != 2 {
		t.Errorf("healthy handler invocations = %d, want 2", healthy)
	}
}

func TestNotifier_HandlerPanicIsContained(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	var survived int
	n.Subscribe(EventWorkflowAssembled, func(e Event) error {
		panic("handler exploded")
	})
	n.Subscribe(EventWorkflowAssembled, func(e Event) error {
		survived++
		return nil
	})

	n.NotifyWorkflowAssembled("wf-1", "pipeline", []string{"agent-a"})
	n.NotifyWorkflowAssembled("wf-2", "pipeline", []string{"agent-b"})
	n.Drain()

	if survived != 2 {
		t.Fatalf("surviving handler invocations = %d, want 2", survived)
	}
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	var count int
	id := n.Subscribe(EventAgentRegistered, func(e Event) error {
		count++
		return nil
	})

	n.NotifyAgentRegistered("agent-a", nil)
	n.Drain()
	n.Unsubscribe(id)
	n.NotifyAgentRegistered("agent-b", nil)
	n.Drain()

	if count != 1 {
		t.Fatalf("handler invocations = %d, want 1 (second event after unsubscribe)", count)
	}

	// 未知订阅 ID 退订是无操作
	n.Unsubscribe("no-such-subscription")
}

func TestNotifier_StopDrainsQueue(t *testing.T) {
	n := NewNotifier(zap.NewNop())

	var delivered int
	n.Subscribe(EventAgentRecovery, func(e Event) error {
		delivered++
		return nil
	})

	const total = 50
	for i := 0; i < total; i++ {
		n.NotifyAgentRecovery("agent-a", "timeout", true)
	}

	// Stop 先排空已入队事件再返回
	n.Stop()
	if delivered != total {
		t.Fatalf("delivered %d events before Stop returned, want %d", delivered, total)
	}

	// Stop 之后的事件被丢弃
	n.NotifyAgentRecovery("agent-a", "timeout", true)
	if got := n.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if delivered != total {
		t.Fatalf("delivered %d events after Stop, want %d", delivered, total)
	}
}

func TestNotifier_RecoveryEventsSerialized(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	var inFlight, maxInFlight atomic.Int64
	n.Subscribe(EventAgentRecovery, func(e Event) error {
		cur := inFlight.Add(1)
		if cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	// 同一 Agent 的恢复事件不并发派发
	for i := 0; i < 10; i++ {
		n.NotifyAgentRecovery("agent-a", "timeout", i%2 == 0)
	}
	n.Drain()

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent recovery handlers = %d, want 1", got)
	}
}

func TestNotifier_TypedEvents(t *testing.T) {
	n := NewNotifier(zap.NewNop())
	defer n.Stop()

	var registered *AgentRegisteredEvent
	var change *CapabilityChangeEvent
	n.Subscribe(EventAgentRegistered, func(e Event) error {
		registered = e.(*AgentRegisteredEvent)
		return nil
	})
	n.Subscribe(EventCapabilityChange, func(e Event) error {
		change = e.(*CapabilityChangeEvent)
		return nil
	})

	caps := []types.Capability{types.NewCapability(types.CapabilityKindMonitoring, "2.0")}
	added := []types.Capability{types.NewCapability(types.CapabilityKindReporting, "1.0")}
	n.NotifyAgentRegistered("agent-a", caps)
	n.NotifyCapabilityChange("agent-a", added, nil)
	n.Drain()

	if registered == nil || registered.AgentID != "agent-a" || len(registered.Capabilities) != 1 {
		t.Fatalf("unexpected registration event: %+v", registered)
	}
	if registered.Timestamp().IsZero() {
		t.Error("registration event has a zero timestamp")
	}
	if change == nil || len(change.Added) != 1 || !change.Added[0].Is(types.CapabilityKindReporting) {
		t.Fatalf("unexpected capability change event: %+v", change)
	}
}
