// =============================================================================
// 📦 DataForge 日志构建
// =============================================================================
// 根据 LogConfig 构建 zap.Logger
// =============================================================================
package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger 根据日志配置构建 zap.Logger
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var encoderCfg zapcore.EncoderConfig
	switch c.Format {
	case "json":
		encoderCfg = zap.NewProductionEncoderConfig()
	case "console", "":
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         formatOrDefault(c.Format),
		EncoderConfig:    encoderCfg,
		OutputPaths:      c.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if len(zapCfg.OutputPaths) == 0 {
		zapCfg.OutputPaths = []string{"stderr"}
	}
	if !c.EnableCaller {
		zapCfg.DisableCaller = true
	}

	return zapCfg.Build()
}

func formatOrDefault(format string) string {
	if format == "" {
		return "console"
	}
	return format
}
