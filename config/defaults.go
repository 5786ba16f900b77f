// =============================================================================
// 📦 DataForge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Run:        DefaultRunConfig(),
		Provider:   DefaultProviderConfig(),
		Dispatcher: DefaultDispatcherConfig(),
		Batch:      DefaultBatchConfig(),
		Log:        DefaultLogConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultRunConfig 返回默认运行配置
func DefaultRunConfig() RunConfig {
	return RunConfig{
		WorkingDir: ".dataforge",
		ResumeMode: "retry_failed",
		AssumeYes:  false,
	}
}

// DefaultProviderConfig 返回默认后端配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:    "openai",
		APIKey:  "",
		BaseURL: "",
		Model:   "gpt-4o-mini",
		Timeout: 10 * time.Minute,
	}
}

// DefaultDispatcherConfig 返回默认调度器配置
// 保守的初始预算，探测到的端点容量会在运行时放宽
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxConcurrency:       10,
		MaxRequestsPerMinute: 60,
		MaxTokensPerMinute:   100_000,
		Cooldown:             15 * time.Second,
		MaxRetries:           10,
		RetryInitialDelay:    time.Second,
		RetryMaxDelay:        60 * time.Second,
	}
}

// DefaultBatchConfig 返回默认批处理配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Enabled:   false,
		BatchSize: 32,
		Workers:   2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "console",
		OutputPaths:  []string{"stderr"},
		EnableCaller: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    false,
		ListenAddr: ":9091",
	}
}
