// Package config 提供 DataForge 的配置管理功能。
//
// 包含配置加载、默认值与日志构建。
// 配置优先级: 默认值 → YAML 文件 → 环境变量。
package config
