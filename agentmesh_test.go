package agentmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent"
	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
	"github.com/BaSui01/agentmesh/workflow/persistence"
)

func testWorker(id string, kinds ...types.CapabilityKind) *agent.BaseAgent {
	caps := make([]types.Capability, len(kinds))
	for i, kind := range kinds {
		caps[i] = types.NewCapability(kind, types.DefaultCapabilityVersion)
	}
	return agent.NewBaseAgent(agent.Config{ID: id, Type: "worker", Capabilities: caps}, nil, nil, zap.NewNop())
}

func TestNew_Defaults(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	assert.NotNil(t, rt.Config)
	assert.NotNil(t, rt.Notifier)
	assert.NotNil(t, rt.Recovery)
	assert.NotNil(t, rt.Registry)
	assert.NotNil(t, rt.Router)
	assert.NotNil(t, rt.Workflows)
	assert.NotNil(t, rt.Store)
	assert.NotNil(t, rt.Factories)

	// 默认配置下使用内存存储
	_, ok := rt.Store.(*persistence.MemorySnapshotStore)
	assert.True(t, ok, "default persistence should be the memory store")
}

func TestNew_StoreError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Persistence.Type = persistence.StoreType("bogus")

	rt, err := New(WithConfig(cfg))
	require.Error(t, err)
	assert.Nil(t, rt)
	assert.Contains(t, err.Error(), "create snapshot store")
}

func TestNew_WithStore(t *testing.T) {
	storeCfg := persistence.DefaultStoreConfig()
	storeCfg.Cleanup.Enabled = false
	store := persistence.NewMemorySnapshotStore(storeCfg)
	defer store.Close()

	rt, err := New(WithStore(store))
	require.NoError(t, err)
	require.NoError(t, rt.Shutdown(context.Background()))

	// 注入的存储由调用方关闭,Shutdown 之后仍可用
	_, err = store.Stats(context.Background())
	assert.NoError(t, err)
}

func TestRuntime_EndToEnd(t *testing.T) {
	ctx := context.Background()

	rt, err := New()
	require.NoError(t, err)
	defer rt.Shutdown(ctx)

	worker := testWorker("worker-1", types.CapabilityKindDataProcessing)
	require.NoError(t, rt.Registry.Register(ctx, worker))
	assert.Equal(t, 1, rt.Registry.Len())

	id, err := rt.Workflows.CreateWorkflow(ctx, workflow.Definition{
		Name:                 "facade-smoke",
		RequiredCapabilities: []types.CapabilityKind{types.CapabilityKindDataProcessing},
	})
	require.NoError(t, err)

	result, err := rt.Workflows.ExecuteWorkflow(ctx, id, map[string]any{"input": "payload"})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, types.WorkflowStatusCompleted, result.WorkflowStatus)

	// 路由器与注册中心共享同一份目录
	matches := rt.Router.ScoreAgentsForCapability(ctx, types.CapabilityKindDataProcessing, "", nil)
	require.NotEmpty(t, matches)
	assert.Equal(t, "worker-1", matches[0].AgentID)
}

func TestRuntime_AutoRegister(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.Agents = []registry.FactorySpec{
		{
			Type:         "worker",
			IDs:          []string{"auto-1", "auto-2"},
			Capabilities: []string{"analysis"},
		},
	}

	rt, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer rt.Shutdown(ctx)

	rt.Factories.Register("worker", func(id string) agent.Agent {
		return testWorker(id)
	})

	n, err := rt.AutoRegister(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, rt.Registry.Len())

	// 注册的 Agent 携带规格中声明的能力
	agents := rt.Registry.GetAgentsByCapability(types.CapabilityKindAnalysis)
	assert.Len(t, agents, 2)
}

func TestRuntime_AutoRegister_Disabled(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Discovery.Enabled = false
	cfg.Discovery.Agents = []registry.FactorySpec{
		{Type: "worker", IDs: []string{"auto-1"}},
	}

	rt, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer rt.Shutdown(ctx)

	n, err := rt.AutoRegister(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rt.Registry.Len())
}

func TestRuntime_Shutdown(t *testing.T) {
	ctx := context.Background()

	rt, err := New()
	require.NoError(t, err)

	worker := testWorker("worker-1", types.CapabilityKindReporting)
	require.NoError(t, rt.Registry.Register(ctx, worker))

	require.NoError(t, rt.Shutdown(ctx))

	// 关闭后注册被拒绝,Agent 已全部停止
	assert.Zero(t, rt.Registry.Len())
	err = rt.Registry.Register(ctx, testWorker("late"))
	assert.Error(t, err)
}

func TestNew_WithMetricsNamespace(t *testing.T) {
	rt, err := New(WithMetricsNamespace("agentmesh_facade_test"))
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	// 指标启用后端到端路径照常工作
	ctx := context.Background()
	require.NoError(t, rt.Registry.Register(ctx, testWorker("worker-1", types.CapabilityKindMonitoring)))
	matches := rt.Router.ScoreAgentsForCapability(ctx, types.CapabilityKindMonitoring, "", nil)
	assert.NotEmpty(t, matches)
}
