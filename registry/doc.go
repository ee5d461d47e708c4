// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
Package registry 提供 Agent 注册中心与能力路由。

# 概述

registry 包维护进程内的 Agent 目录与能力索引（AgentRegistry），并在其上
提供按能力评分选择 Agent 的路由器（CapabilityRouter）。注册中心负责
Agent 的注册/注销、能力快照与增量更新、按能力寻址的消息投递、广播聚合
以及限速的故障恢复；路由器负责候选评分、版本协商、回退路由与覆盖率
报告。FactorySet 支持按类型批量构造并自动注册 Agent。

# 核心接口与类型

  - AgentRegistry     — Agent 目录 + 能力索引（注册、注销、路由、广播、恢复）
  - CapabilityRouter  — 评分路由器（评分缓存、回退、协商、覆盖率）
  - Observer          — 注册中心变更观察者（同步回调,用于缓存失效等）
  - Config            — 恢复截止时间与恢复限速配置
  - RouterConfig      — 评分缓存 TTL 与最低可路由分数
  - ValidationReport  — 能力可用性校验结果
  - CoverageReport    — 内建能力种类的覆盖率报告
  - FactorySet        — Agent 工厂表 + 批量自动注册

# 评分与缓存

评分从基准分出发,按版本兼容、调用方偏好与 Agent 状态加减分后截断到
[0, 1];同分时后注册者优先。无偏好调用的评分结果按 (kind, 版本要求)
缓存 60 秒;注册中心任何变更都会同步清空缓存,保证变更操作返回后缓存
中不残留过期结果。

# 并发

锁序为 注册中心锁 → per-agent 锁 → per-kind 锁,所有路径一致。观察者
回调在变更操作内同步执行并做 panic 隔离;恢复在 per-agent 锁内执行,
同一 Agent 的恢复天然串行。
*/
package registry
