// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentMesh 运行时的全局共享类型定义。

# 概述

types 是运行时最底层的公共包，不依赖任何内部包，为 agent、registry、
workflow、notify 等上层模块提供统一的类型契约。所有跨包共享的结构体、
枚举和错误码均定义于此，以避免循环依赖。

# 核心接口与类型

  - Capability / CapabilityKind — 能力描述（kind + version + 参数元数据）
  - Message            — Agent 间消息信封（ID、Sender、Recipient、Content）
  - Executor / Named   — 最小 Agent 执行接口（ID + Execute）
  - AgentStatus        — Agent 生命周期状态（idle/busy/error/offline/active）
  - WorkflowStatus     — 工作流状态（pending → assembled → running → …）
  - StepStatus         — 工作流步骤状态
  - Error / ErrorCode  — 结构化错误体系，含 Retryable、AgentID、Cause 标记

# 主要能力

  - 版本约束：ParseVersion / CompareVersions / VersionSatisfies
    （==、>=、<=、>、< 前缀 + 点分数字逐段整数比较，不可解析时宽松放行）
  - 消息摄入：NewMessage / MessageFromMap（map 形状消息的唯一转换入口）
  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable，支持 errors.Is 链式展开
  - 能力等值：按 (kind, version) 相等与哈希，支持按 kind 的成员测试
*/
package types
