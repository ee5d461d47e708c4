// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
Package workflow 提供按能力组装与执行多 Agent 工作流的管理器。

# 概述

工作流以能力需求声明：创建时列出所需能力种类，组装阶段为每个能力生成
一个步骤并校验注册中心里有存活的提供者，执行阶段按声明顺序把步骤分派
给选中的 Agent。步骤失败不会中断执行，后续步骤继续运行，存在失败步骤
时工作流终态为 FAILED。管理器同时作为注册中心的观察者：新能力到达时
自动重试 PENDING 工作流的组装，Agent 注销时释放其占用的步骤。

每次状态变迁都会生成快照写入持久化存储，生命周期历史只增不减，时间戳
单调不减。取消与关停也会落盘后才返回。

# 核心接口与类型

  - Manager            — 工作流管理器（创建、组装、执行、取消、校验、指标）
  - Workflow / Step     — 工作流与步骤记录，读方法返回拷贝
  - Definition          — 创建工作流的输入（名称、能力列表、分派策略）
  - ExecutionResult     — 一次执行的汇总结果（状态、合并输出、错误）
  - AssemblyReport      — 组装结果（成功或 missing_capabilities 等失败原因）
  - ValidationResult    — 结构校验结果（环检测、能力可用性、告警）
  - SelectionPolicy     — 步骤分派的选择规则（监控前缀、测试后缀、注册序）
  - DependencyDeclarer  — Agent 声明上游依赖的接口，驱动依赖触发
  - Alert               — 失败告警（workflow_failed / step_failed）

# 主要能力

  - 按能力声明顺序生成步骤并做存活性 Ping 的组装流程
  - 带 TTL 的能力查询缓存，注册中心事件即时失效
  - 步骤级超时（默认值、步骤覆盖、载荷内 timeout 键三级解析）
  - 无提供者时可选的合成 Worker 兜底注册
  - 步骤完成后的依赖触发：声明依赖逐一触发，每次执行至多一次
  - 快照持久化（workflow/persistence 的 memory/file/redis/sql 后端）
*/
package workflow
