package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter int64

// Handler 事件处理器。返回的错误由通知中心记录并吞掉。
type Handler func(Event) error

// Notifier 无界 FIFO 通知中心。
// 入队从不阻塞；单一消费者 goroutine 按入队顺序同步派发，
// 因此同一 Agent 的恢复事件天然串行。
type Notifier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	busy    bool
	stopped bool

	hmu      sync.RWMutex
	handlers map[EventKind]map[string]Handler

	wg       sync.WaitGroup
	stopOnce sync.Once

	published atomic.Int64
	dropped   atomic.Int64

	logger *zap.Logger
}

// NewNotifier 创建通知中心并启动消费循环。
func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		handlers: make(map[EventKind]map[string]Handler),
		logger:   logger,
	}
	n.cond = sync.NewCond(&n.mu)
	n.wg.Add(1)
	go n.loop()
	return n
}

// Publish 入队一个事件。从不阻塞；Stop 之后的事件被丢弃并记录。
func (n *Notifier) Publish(event Event) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		n.dropped.Add(1)
		n.logger.Warn("event dropped after notifier stop", zap.String("kind", string(event.Kind())))
		return
	}
	n.queue = append(n.queue, event)
	n.mu.Unlock()
	n.published.Add(1)
	n.cond.Broadcast()
}

// Subscribe 订阅某一类事件，返回用于退订的订阅 ID。
func (n *Notifier) Subscribe(kind EventKind, handler Handler) string {
	n.hmu.Lock()
	defer n.hmu.Unlock()

	if n.handlers[kind] == nil {
		n.handlers[kind] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", kind, atomic.AddInt64(&subscriptionCounter, 1))
	n.handlers[kind][id] = handler
	return id
}

// Unsubscribe 取消订阅。未知 ID 是无操作。
func (n *Notifier) Unsubscribe(subscriptionID string) {
	n.hmu.Lock()
	defer n.hmu.Unlock()

	for kind, handlers := range n.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(n.handlers, kind)
			}
			return
		}
	}
}

// loop 消费队列并同步派发，保持严格的 FIFO 顺序。
func (n *Notifier) loop() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.stopped {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		event := n.queue[0]
		n.queue = n.queue[1:]
		n.busy = true
		n.mu.Unlock()

		n.dispatch(event)

		n.mu.Lock()
		n.busy = false
		n.mu.Unlock()
		n.cond.Broadcast()
	}
}

// dispatch 在消费者 goroutine 内依次调用处理器。
// 处理器的错误与 panic 都被记录，不中断后续派发。
func (n *Notifier) dispatch(event Event) {
	n.hmu.RLock()
	src := n.handlers[event.Kind()]
	ids := make([]string, 0, len(src))
	handlers := make([]Handler, 0, len(src))
	for id, h := range src {
		ids = append(ids, id)
		handlers = append(handlers, h)
	}
	n.hmu.RUnlock()

	for i, handler := range handlers {
		n.invoke(event, ids[i], handler)
	}
}

func (n *Notifier) invoke(event Event, id string, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("notification handler panicked",
				zap.String("kind", string(event.Kind())),
				zap.String("subscription", id),
				zap.Any("recover", r),
			)
		}
	}()
	if err := handler(event); err != nil {
		n.logger.Error("notification handler failed",
			zap.String("kind", string(event.Kind())),
			zap.String("subscription", id),
			zap.Error(err),
		)
	}
}

// Drain 阻塞直到所有已入队事件派发完毕。
func (n *Notifier) Drain() {
	n.mu.Lock()
	for len(n.queue) > 0 || n.busy {
		n.cond.Wait()
	}
	n.mu.Unlock()
}

// Depth 返回当前待派发事件数。
func (n *Notifier) Depth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Published 返回累计入队事件数。
func (n *Notifier) Published() int64 { return n.published.Load() }

// Dropped 返回 Stop 之后被丢弃的事件数。
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Stop 排空队列后停止消费循环。幂等；之后的 Publish 被丢弃。
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()
		n.cond.Broadcast()
		n.wg.Wait()
	})
}

// NotifyAgentRegistered 广播 Agent 注册事件。
func (n *Notifier) NotifyAgentRegistered(agentID string, capabilities []types.Capability) {
	n.Publish(&AgentRegisteredEvent{
		AgentID:      agentID,
		Capabilities: capabilities,
		Timestamp_:   time.Now(),
	})
}

// NotifyAgentUnregistered 广播 Agent 注销事件。
func (n *Notifier) NotifyAgentUnregistered(agentID string) {
	n.Publish(&AgentUnregisteredEvent{
		AgentID:    agentID,
		Timestamp_: time.Now(),
	})
}

// NotifyAgentRecovery 广播一次恢复的结果。
func (n *Notifier) NotifyAgentRecovery(agentID, errorKind string, succeeded bool) {
	n.Publish(&AgentRecoveryEvent{
		AgentID:    agentID,
		ErrorKind:  errorKind,
		Succeeded:  succeeded,
		Timestamp_: time.Now(),
	})
}

// NotifyCapabilityChange 广播能力集增删差量。
func (n *Notifier) NotifyCapabilityChange(agentID string, added, removed []types.Capability) {
	n.Publish(&CapabilityChangeEvent{
		AgentID:    agentID,
		Added:      added,
		Removed:    removed,
		Timestamp_: time.Now(),
	})
}

// NotifyWorkflowAssembled 广播工作流装配完成事件。
func (n *Notifier) NotifyWorkflowAssembled(workflowID, name string, agentIDs []string) {
	n.Publish(&WorkflowAssembledEvent{
		WorkflowID: workflowID,
		Name:       name,
		AgentIDs:   agentIDs,
		Timestamp_: time.Now(),
	})
}
