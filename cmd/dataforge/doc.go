/*
Package main 提供 DataForge 命令行程序入口。

# 概述

cmd/dataforge 是批量结构化推理引擎的可执行入口。读取 JSONL 数据集，
按提示词模板展开请求，经限流调度器并发调用模型端点，并将响应与输入
行合并输出。支持 YAML 配置文件加载、结构化日志（zap）、Prometheus
指标采集、断点恢复与内容寻址缓存。

# 主要能力

  - 子命令：run（执行推理）、cache clear / ls（缓存管理）、version
  - 恢复模式：--resume（重试失败行）、--resume-no-retry（保留失败行）
  - 预算控制：--max-requests-per-minute、--max-tokens-per-minute、
    --max-concurrency、--max-retries
  - 批处理模式：--batch 走本地引擎调度器（vLLM / llama.cpp server）
  - 覆盖确认：--yes 跳过交互式确认
  - 构建注入：version、commit、buildDate 通过 ldflags 设置
*/
package main
