// Package config 提供 AgentMesh 的配置管理功能。
//
// 包含配置加载、热重载和变更历史管理。
// 支持从 YAML 文件与环境变量加载配置，
// 并提供运行时热重载与失败回滚能力。
package config
