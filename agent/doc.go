// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
Package agent 提供 Agent 运行时：生命周期、消息处理、状态与能力集。

# 概述

agent 包定义运行时驱动的 Agent 契约（Agent 接口）及其可复用的默认实现
BaseAgent。BaseAgent 负责并发控制（per-agent 锁）、有界消息历史、状态
转换与能力集管理；领域行为通过注入的 Handler 提供。ExecutorAgent 在此
之上实现 types.Executor，供偏好类型化载荷的工作流步骤直接调用。

# 核心接口与类型

  - Agent            — 运行时契约（Initialize / ProcessMessage / Shutdown …）
  - BaseAgent        — 默认实现（状态、历史、能力集、日志）
  - ExecutorAgent    — 附加 types.Executor 类型化执行变体
  - CapabilitySet    — 互斥锁保护的能力容器（add/remove/has/get/snapshot）
  - Handler / HandlerFunc — 注入式领域行为
  - KnowledgeGraph   — 可选知识图谱协作者接口（三元组 + SPARQL 透传）
  - StatusReport     — 状态报告（状态、能力快照、消息计数、最近消息时间）

# 并发与状态

  - 消息处理获取 per-agent 锁并串行执行：IDLE → BUSY → IDLE，
    失败转 ERROR 并返回 PROCESSING_FAILED
  - Initialize 幂等（初始化闩锁）；Shutdown 清空历史并标记 OFFLINE
  - UpdateStatus 在附加知识图谱时以"先删后写"方式保持状态三元组单值
*/
package agent
