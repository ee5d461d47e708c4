// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的运行时指标采集能力，覆盖
注册中心、路由、工作流与故障恢复四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。
所有 Record* 方法对 nil 接收者安全，未启用指标时各组件可直接
持有 nil *Collector，无需条件判断。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 注册中心指标：注册/注销事件计数、当前注册 Agent 数 Gauge、
    广播总数与广播扇出耗时。
  - 路由指标：路由决策计数（按 capability/outcome 分组）、回退
    路由计数、Agent 选择耗时、选择缓存命中与未命中计数。
  - 工作流指标：执行总数（按 status 分组）、执行耗时、步骤耗时
    （按 capability 分组）、执行中工作流数 Gauge、合成工作者计数。
  - 恢复指标：恢复尝试计数，按 error_kind/outcome 分组。
*/
package metrics
