// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 所有 Record* 方法对 nil 接收者安全,未启用指标时各组件可直接持有 nil *Collector。
type Collector struct {
	// 注册中心指标
	registrationsTotal *prometheus.CounterVec
	registeredAgents   prometheus.Gauge
	broadcastsTotal    prometheus.Counter
	broadcastDuration  prometheus.Histogram

	// 路由指标
	routesTotal       *prometheus.CounterVec
	routeFallbacks    prometheus.Counter
	selectionDuration prometheus.Histogram
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec

	// 工作流指标
	workflowsTotal   *prometheus.CounterVec
	workflowDuration prometheus.Histogram
	stepDuration     *prometheus.HistogramVec
	runningWorkflows prometheus.Gauge
	syntheticWorkers prometheus.Counter

	// 恢复指标
	recoveriesTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 注册中心指标
	c.registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_registrations_total",
			Help:      "Total number of agent registration events",
		},
		[]string{"event"}, // event: registered, unregistered
	)

	c.registeredAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Number of currently registered agents",
		},
	)

	c.broadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of message broadcasts",
		},
	)

	c.broadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Broadcast fan-out duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// 路由指标
	c.routesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"capability", "outcome"}, // outcome: success, failed
	)

	c.routeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_fallbacks_total",
			Help:      "Total number of routes resolved through a fallback capability",
		},
	)

	c.selectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selection_duration_seconds",
			Help:      "Agent selection duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 工作流指标
	c.workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions",
		},
		[]string{"status"}, // status: completed, failed, cancelled
	)

	c.workflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"capability"},
	)

	c.runningWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_workflows",
			Help:      "Number of workflows currently executing",
		},
	)

	c.syntheticWorkers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthetic_workers_total",
			Help:      "Total number of synthetic fallback workers created",
		},
	)

	// 恢复指标
	c.recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of agent recovery attempts",
		},
		[]string{"error_kind", "outcome"}, // outcome: success, failed
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📇 注册中心指标记录
// =============================================================================

// RecordRegistration 记录 Agent 注册
func (c *Collector) RecordRegistration() {
	if c == nil {
		return
	}
	c.registrationsTotal.WithLabelValues("registered").Inc()
}

// RecordUnregistration 记录 Agent 注销
func (c *Collector) RecordUnregistration() {
	if c == nil {
		return
	}
	c.registrationsTotal.WithLabelValues("unregistered").Inc()
}

// SetRegisteredAgents 更新当前注册 Agent 数
func (c *Collector) SetRegisteredAgents(n int) {
	if c == nil {
		return
	}
	c.registeredAgents.Set(float64(n))
}

// RecordBroadcast 记录一次广播
func (c *Collector) RecordBroadcast(duration time.Duration) {
	if c == nil {
		return
	}
	c.broadcastsTotal.Inc()
	c.broadcastDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🧭 路由指标记录
// =============================================================================

// RecordRoute 记录一次路由决策
func (c *Collector) RecordRoute(capability, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.routesTotal.WithLabelValues(capability, outcome).Inc()
	c.selectionDuration.Observe(duration.Seconds())
}

// RecordRouteFallback 记录一次回退路由
func (c *Collector) RecordRouteFallback() {
	if c == nil {
		return
	}
	c.routeFallbacks.Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// ⚙️ 工作流指标记录
// =============================================================================

// RecordWorkflowExecution 记录工作流执行
func (c *Collector) RecordWorkflowExecution(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.Observe(duration.Seconds())
}

// RecordStepDuration 记录工作流步骤时长
func (c *Collector) RecordStepDuration(capability string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// SetRunningWorkflows 更新执行中的工作流数
func (c *Collector) SetRunningWorkflows(n int) {
	if c == nil {
		return
	}
	c.runningWorkflows.Set(float64(n))
}

// RecordSyntheticWorker 记录一次合成工作者创建
func (c *Collector) RecordSyntheticWorker() {
	if c == nil {
		return
	}
	c.syntheticWorkers.Inc()
}

// =============================================================================
// 🛠️ 恢复指标记录
// =============================================================================

// RecordRecovery 记录一次恢复尝试
func (c *Collector) RecordRecovery(errorKind string, success bool) {
	if c == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	c.recoveriesTotal.WithLabelValues(errorKind, outcome).Inc()
}
