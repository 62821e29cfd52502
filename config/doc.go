// Package config 提供 agentcoord 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AGENTCOORD_* 环境变量 的顺序加载，
// 由 Config.Validate 做整体校验。各段落对应协调核心、HTTP 服务、
// 日志、遥测、指标、Redis 事件推送、数据库审计归档和模拟 Agent。
package config
