// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

// Package recovery 提供按错误类别选择恢复策略的引擎。
//
// # 概述
//
// 引擎维护一张策略表，按错误类别（超时、资源耗尽、通信故障、状态损坏）
// 选择第一个声明可处理该类别的策略；没有策略匹配时回退到默认策略。
// 策略对目标 Agent 执行一组尽力而为的恢复步骤，成功时将 Agent 置回
// IDLE，失败时置为 ERROR。引擎除策略表外不持有任何状态。
//
// # 核心接口与类型
//
//   - Strategy — 恢复策略接口（Name/CanHandle/Recover）
//   - Engine — 策略表与调度入口
//   - ErrorKind — 错误类别标识
//
// # 主要能力
//
//   - 策略解析 — GetStrategy 按类别返回首个匹配策略
//   - 故障恢复 — Recover 执行策略并返回布尔结果，从不抛出
//   - 错误归类 — ClassifyError 将运行时错误映射到错误类别
//   - 维护钩子 — 策略探测 agent.Maintainable 并驱动其钩子
package recovery
