package keeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig 日志配置结构体
// 定义日志级别、格式、输出类型和文件相关配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别，如 "debug", "info", "warn", "error"
	Format string `mapstructure:"format"` // 日志格式，如 "json" 或 "text"
	Type   string `mapstructure:"type"`   // 日志输出类型，如 "console" 或 "file"
	File   struct {
		Path       string `mapstructure:"path"`        // 日志文件路径，仅在 type 为 "file" 时有效
		MaxSize    int    `mapstructure:"max_size"`    // 每个日志文件最大尺寸，单位为MB
		MaxBackups int    `mapstructure:"max_backups"` // 保留的旧日志文件最大数量
		MaxAge     int    `mapstructure:"max_age"`     // 保留旧日志文件的最大天数
		Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
	} `mapstructure:"file"` // 文件日志配置，仅在 type 为 "file" 时有效
}

// newLogger 根据配置初始化日志系统
// 支持控制台和文件日志输出，调试模式下自动切换为 debug 级别
func newLogger(settings *Settings) *slog.Logger {
	lc := settings.Logger
	// 按运行模式补全默认值
	setDefaultLogConfig(settings.App, &lc)

	// 解析日志级别
	level, err := LevelFromString(lc.Level)
	if err != nil {
		panic(fmt.Sprintf("解析日志级别失败: %v", err))
	}

	// 确定日志输出目标
	var logWriter io.Writer
	if lc.Type == "file" && lc.File.Path != "" {
		// 确保日志目录存在
		logDir := filepath.Dir(lc.File.Path)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			panic(fmt.Sprintf("创建日志目录失败: %v", err))
		}

		// 使用 lumberjack 进行日志切割
		logWriter = &lumberjack.Logger{
			Filename:   lc.File.Path,
			MaxSize:    lc.File.MaxSize,    // 单个文件上限，单位 MB
			MaxBackups: lc.File.MaxBackups, // 旧文件保留个数
			MaxAge:     lc.File.MaxAge,     // 旧文件保留天数
			Compress:   lc.File.Compress,   // 是否 gzip 压缩旧文件
		}
	} else {
		// 默认输出到控制台
		logWriter = os.Stdout
	}

	// 创建日志处理器
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(logWriter, opts)
	} else {
		handler = slog.NewTextHandler(logWriter, opts)
	}

	// 每条日志附带应用名，便于多服务日志汇总后区分来源
	return slog.New(handler).With("app", settings.App.Name)
}

// LevelFromString 将字符串解析为 slog.Level
// 支持: "debug", "info", "warn", "warning", "error"
// 如果级别无效，返回 LevelInfo 和错误
func LevelFromString(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("无效的日志级别: %q，使用默认级别 info", levelStr)
	}
}

// setDefaultLogConfig 根据运行环境补全日志配置
// 调试模式：日志级别为 debug
// 输出到文件但未设置路径时，使用用户家目录下的 <app.name>/logs/app.log
func setDefaultLogConfig(app AppConfig, lc *LogConfig) {
	if app.Debug {
		lc.Level = "debug"
	}
	if lc.Level == "" {
		lc.Level = "info"
	}
	// 未指定输出类型时输出到控制台
	if lc.Type == "" {
		lc.Type = "console"
	}
	// 输出到文件但没有设置路径时使用默认路径
	if lc.Type == "file" && lc.File.Path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("无法获取用户家目录: %v", err))
		}
		lc.File.Path = filepath.Join(homeDir, app.Name, "logs", "app.log")
	}
}

type loggerKey struct{}

// WithLogger 将请求级日志记录器放入 context，供下游组件显式取用
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom 取出请求级日志记录器；不存在时返回 fallback，fallback 为空时返回 slog.Default()
func LoggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
