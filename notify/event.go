package notify

import (
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// EventKind 事件类别
type EventKind string

const (
	EventAgentRegistered   EventKind = "agent_registered"
	EventAgentUnregistered EventKind = "agent_unregistered"
	EventAgentRecovery     EventKind = "agent_recovery"
	EventCapabilityChange  EventKind = "capability_change"
	EventWorkflowAssembled EventKind = "workflow_assembled"
)

// Event 事件接口
type Event interface {
	Kind() EventKind
	Timestamp() time.Time
}

// AgentRegisteredEvent Agent 注册事件
type AgentRegisteredEvent struct {
	AgentID      string
	Capabilities []types.Capability
	Timestamp_   time.Time
}

func (e *AgentRegisteredEvent) Kind() EventKind      { return EventAgentRegistered }
func (e *AgentRegisteredEvent) Timestamp() time.Time { return e.Timestamp_ }

// AgentUnregisteredEvent Agent 注销事件
type AgentUnregisteredEvent struct {
	AgentID    string
	Timestamp_ time.Time
}

func (e *AgentUnregisteredEvent) Kind() EventKind      { return EventAgentUnregistered }
func (e *AgentUnregisteredEvent) Timestamp() time.Time { return e.Timestamp_ }

// AgentRecoveryEvent Agent 恢复结果事件
type AgentRecoveryEvent struct {
	AgentID    string
	ErrorKind  string
	Succeeded  bool
	Timestamp_ time.Time
}

func (e *AgentRecoveryEvent) Kind() EventKind      { return EventAgentRecovery }
func (e *AgentRecoveryEvent) Timestamp() time.Time { return e.Timestamp_ }

// CapabilityChangeEvent 能力集变更事件，携带增删差量
type CapabilityChangeEvent struct {
	AgentID    string
	Added      []types.Capability
	Removed    []types.Capability
	Timestamp_ time.Time
}

func (e *CapabilityChangeEvent) Kind() EventKind      { return EventCapabilityChange }
func (e *CapabilityChangeEvent) Timestamp() time.Time { return e.Timestamp_ }

// WorkflowAssembledEvent 工作流装配完成事件
type WorkflowAssembledEvent struct {
	WorkflowID string
	Name       string
	AgentIDs   []string
	Timestamp_ time.Time
}

func (e *WorkflowAssembledEvent) Kind() EventKind      { return EventWorkflowAssembled }
func (e *WorkflowAssembledEvent) Timestamp() time.Time { return e.Timestamp_ }
