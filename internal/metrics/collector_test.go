package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.registrationsTotal)
	assert.NotNil(t, collector.registeredAgents)
	assert.NotNil(t, collector.broadcastsTotal)
	assert.NotNil(t, collector.routesTotal)
	assert.NotNil(t, collector.workflowsTotal)
	assert.NotNil(t, collector.recoveriesTotal)
}

func TestNewCollector_NilLogger(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.logger)
}

func TestCollector_RecordRegistration(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录注册与注销
	collector.RecordRegistration()
	collector.RecordRegistration()
	collector.RecordUnregistration()

	// 验证按事件分组的计数
	registered := testutil.ToFloat64(collector.registrationsTotal.WithLabelValues("registered"))
	assert.Equal(t, float64(2), registered)

	unregistered := testutil.ToFloat64(collector.registrationsTotal.WithLabelValues("unregistered"))
	assert.Equal(t, float64(1), unregistered)
}

func TestCollector_SetRegisteredAgents(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetRegisteredAgents(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.registeredAgents))

	// Gauge 跟随最新值
	collector.SetRegisteredAgents(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.registeredAgents))
}

func TestCollector_RecordBroadcast(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录广播
	collector.RecordBroadcast(10 * time.Millisecond)
	collector.RecordBroadcast(20 * time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.broadcastsTotal))

	// 验证耗时直方图有样本
	count := testutil.CollectAndCount(collector.broadcastDuration)
	assert.Greater(t, count, 0)
}

func TestCollector_RecordRoute(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录路由决策
	collector.RecordRoute("translate", "success", 500*time.Microsecond)
	collector.RecordRoute("translate", "success", 300*time.Microsecond)
	collector.RecordRoute("summarize", "failed", 100*time.Microsecond)

	success := testutil.ToFloat64(collector.routesTotal.WithLabelValues("translate", "success"))
	assert.Equal(t, float64(2), success)

	failed := testutil.ToFloat64(collector.routesTotal.WithLabelValues("summarize", "failed"))
	assert.Equal(t, float64(1), failed)

	// 验证选择耗时直方图有样本
	count := testutil.CollectAndCount(collector.selectionDuration)
	assert.Greater(t, count, 0)
}

func TestCollector_RecordRouteFallback(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRouteFallback()

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.routeFallbacks))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录缓存命中
	collector.RecordCacheHit("selection")

	// 记录缓存未命中
	collector.RecordCacheMiss("selection")

	// 验证指标
	hitCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, hitCount, 0)

	missCount := testutil.CollectAndCount(collector.cacheMisses)
	assert.Greater(t, missCount, 0)
}

func TestCollector_RecordWorkflowExecution(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录工作流执行
	collector.RecordWorkflowExecution("completed", 2*time.Second)
	collector.RecordWorkflowExecution("failed", 500*time.Millisecond)

	completed := testutil.ToFloat64(collector.workflowsTotal.WithLabelValues("completed"))
	assert.Equal(t, float64(1), completed)

	failed := testutil.ToFloat64(collector.workflowsTotal.WithLabelValues("failed"))
	assert.Equal(t, float64(1), failed)

	// 验证耗时直方图有样本
	count := testutil.CollectAndCount(collector.workflowDuration)
	assert.Greater(t, count, 0)
}

func TestCollector_RecordStepDuration(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 按能力记录步骤耗时
	collector.RecordStepDuration("translate", 50*time.Millisecond)
	collector.RecordStepDuration("summarize", 80*time.Millisecond)

	count := testutil.CollectAndCount(collector.stepDuration)
	assert.Equal(t, 2, count)
}

func TestCollector_SetRunningWorkflows(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetRunningWorkflows(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(collector.runningWorkflows))

	collector.SetRunningWorkflows(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.runningWorkflows))
}

func TestCollector_RecordSyntheticWorker(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordSyntheticWorker()
	collector.RecordSyntheticWorker()

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.syntheticWorkers))
}

func TestCollector_RecordRecovery(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录恢复尝试,按错误类别与结果分组
	collector.RecordRecovery("timeout", true)
	collector.RecordRecovery("timeout", false)
	collector.RecordRecovery("communication", true)

	success := testutil.ToFloat64(collector.recoveriesTotal.WithLabelValues("timeout", "success"))
	assert.Equal(t, float64(1), success)

	failed := testutil.ToFloat64(collector.recoveriesTotal.WithLabelValues("timeout", "failed"))
	assert.Equal(t, float64(1), failed)
}

func TestCollector_NilReceiver(t *testing.T) {
	// 未启用指标时组件持有 nil Collector,所有记录方法应安全为空操作
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordRegistration()
		collector.RecordUnregistration()
		collector.SetRegisteredAgents(3)
		collector.RecordBroadcast(time.Millisecond)
		collector.RecordRoute("translate", "success", time.Millisecond)
		collector.RecordRouteFallback()
		collector.RecordCacheHit("selection")
		collector.RecordCacheMiss("selection")
		collector.RecordWorkflowExecution("completed", time.Second)
		collector.RecordStepDuration("translate", time.Millisecond)
		collector.SetRunningWorkflows(1)
		collector.RecordSyntheticWorker()
		collector.RecordRecovery("timeout", true)
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 并发记录多个指标
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordRegistration()
			collector.RecordRoute("translate", "success", 500*time.Microsecond)
			collector.RecordWorkflowExecution("completed", time.Second)
			collector.RecordCacheHit("selection")
			done <- true
		}(i)
	}

	// 等待所有 goroutine 完成
	for i := 0; i < 10; i++ {
		<-done
	}

	// 验证指标被正确记录
	registered := testutil.ToFloat64(collector.registrationsTotal.WithLabelValues("registered"))
	assert.Equal(t, float64(10), registered)

	routes := testutil.ToFloat64(collector.routesTotal.WithLabelValues("translate", "success"))
	assert.Equal(t, float64(10), routes)

	workflows := testutil.ToFloat64(collector.workflowsTotal.WithLabelValues("completed"))
	assert.Equal(t, float64(10), workflows)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	// 创建自定义 registry
	registry := prometheus.NewRegistry()

	// 创建 collector（会自动注册到默认 registry）
	collector := NewCollector(nextTestNamespace(), logger)

	// 手动注册到自定义 registry
	registry.MustRegister(collector.registrationsTotal)
	registry.MustRegister(collector.routesTotal)

	// 记录一些数据
	collector.RecordRegistration()
	collector.RecordRoute("translate", "success", time.Millisecond)

	// 验证可以从自定义 registry 收集指标
	count := testutil.CollectAndCount(collector.registrationsTotal)
	assert.Greater(t, count, 0)
}
