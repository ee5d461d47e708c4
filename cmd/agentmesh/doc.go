// Copyright (c) AgentMesh Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentMesh 服务端程序入口。

# 概述

cmd/agentmesh 是 AgentMesh 编排运行时的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集、OpenTelemetry 追踪以及配置热重载。

# 核心类型

  - Server           — 主服务器，管理运行时、HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 运行时装配：agentmesh.New 构建注册中心、路由器、工作流管理器与持久化
  - Discovery：按配置的 FactorySpec 批量构建并注册 Agent
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、RateLimiter（基于 IP）
  - 只读 API：/api/v1/status、/api/v1/agents、/api/v1/workflows、
    /api/v1/coverage、/api/v1/config（脱敏）
  - 配置热重载：HotReloadManager 监听文件变更并回调，采样率即时生效
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 关闭 HTTP → 关闭 Metrics → 关闭运行时
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
