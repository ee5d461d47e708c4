// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 AgentMesh 提供集中式的 TracerProvider 和 MeterProvider 配置。
// 采样率支持运行时调整，配合配置热重载使用。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
