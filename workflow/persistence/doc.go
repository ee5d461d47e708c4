// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
Package persistence 提供工作流快照的持久化存储抽象及多后端实现。

# 概述

工作流的每次状态变迁（创建、装配、步骤完成、取消等）都会以快照形式
追加到所属工作流的历史中，因此存储中保留的是完整的状态轨迹而非仅有
终态。快照一旦写入即与活动工作流隔离，后续执行不会改写已保存的历史。
持久化失败由调用方记录日志，不会中断工作流执行。

# 核心接口与类型

  - Store          — 所有存储的基础接口（Close、Ping 健康检查）
  - SnapshotStore  — 快照存储接口（追加、最新快照、全量历史、清理、统计）
  - Snapshot       — 一次捕获的工作流完整状态（状态、步骤、生命周期日志、结果）
  - StepRecord     — 单个步骤的持久化状态
  - HistoryEntry   — 工作流生命周期日志中的一条事件
  - StoreConfig    — 后端类型、历史上限、Redis/SQL 连接与清理配置

# 后端

  - memory — 进程内存储，开发与测试默认，重启即失
  - file   — 单文件 JSON 索引加原子改名落盘，适合单节点部署
  - redis  — 负载 JSON 字符串、历史为 LIST、索引为 ZSET，适合分布式部署
  - sql    — GORM 单表（默认 SQLite），适合需要可查询历史的单节点部署

通过 NewSnapshotStore 按 StoreConfig.Type 构造对应后端。HistoryLimit
限制每个工作流保留的快照数量，超限后最旧的快照被淘汰，Seq 在淘汰后
仍保持单调递增。
*/
package persistence
