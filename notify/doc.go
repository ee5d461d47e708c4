// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

// Package notify 提供编排运行时的通知中心。
//
// # 概述
//
// Notifier 维护一个无界 FIFO 队列和单一消费者 goroutine：
// 生产者入队从不阻塞，事件严格按入队顺序派发。处理器按事件
// 类别订阅；处理器返回的错误与 panic 都被记录并吞掉，不会
// 中断派发。Stop 先排空队列再退出，保证已入队事件不丢失。
//
// # 核心接口与类型
//
//   - Event — 事件接口（Kind/Timestamp）
//   - Handler — 事件处理器，返回错误由通知中心记录
//   - Notifier — 队列、订阅表与消费循环
//
// # 主要能力
//
//   - 生命周期通知 — Agent 注册、注销、恢复
//   - 能力变更通知 — 能力集增删的差量广播
//   - 工作流通知 — 工作流装配完成事件
//   - 顺序保证 — 单消费者串行派发，天然串行化同一 Agent 的恢复事件
package notify
