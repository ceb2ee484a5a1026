package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plotter/pkg/types"
)

// Config 日志配置结构
type Config struct {
	Level      string `yaml:"level"`       // 日志级别: debug, info, warn, error
	Format     string `yaml:"format"`      // 输出格式: json, text
	Output     string `yaml:"output"`      // 输出目标: stdout, stderr, file
	OutputPath string `yaml:"output_path"` // 文件输出路径
	AddSource  bool   `yaml:"add_source"`  // 是否添加源码位置
	TimeFormat string `yaml:"time_format"` // 时间格式
}

// FromSystemConfig converts the logging section of the daemon configuration.
func FromSystemConfig(c types.LoggingConfig) *Config {
	config := DefaultConfig()
	if c.Level != "" {
		config.Level = c.Level
	}
	if c.Format != "" {
		config.Format = c.Format
	}
	if c.Output != "" {
		config.Output = c.Output
	}
	config.OutputPath = c.OutputPath
	config.AddSource = c.AddSource
	return config
}

// Logger 封装的结构化日志器
type Logger struct {
	*slog.Logger
	config *Config
	level  *slog.LevelVar
}

// NewLogger 创建新的独立日志器实例
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(config.Level))

	writer, _, err := openOutput(config)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger: slog.New(createHandler(config, writer, level)),
		config: config,
		level:  level,
	}, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "text",
		Output:     "stdout",
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}
}

// parseLevel 解析日志级别
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// openOutput 确定输出目标。The returned closer is nil for the standard streams.
func openOutput(config *Config) (io.Writer, io.Closer, error) {
	switch strings.ToLower(config.Output) {
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if config.OutputPath == "" {
			config.OutputPath = "logs/plotterd.log"
		}
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, f, nil
	default:
		return os.Stdout, nil, nil
	}
}

// createHandler 创建日志处理器
func createHandler(config *Config, writer io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	if config.TimeFormat != "" && config.TimeFormat != time.RFC3339 {
		layout := config.TimeFormat
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
			}
			return a
		}
	}

	// 根据格式创建处理器
	if strings.ToLower(config.Format) == "json" {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}

// With 返回带有额外字段的日志器，与父日志器共享级别
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		level:  l.level,
	}
}

// WithGroup 返回带有分组的日志器
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithGroup(name),
		config: l.config,
		level:  l.level,
	}
}

// UpdateLevel 动态更新日志级别；派生的日志器同时生效
func (l *Logger) UpdateLevel(level string) {
	l.config.Level = level
	l.level.Set(parseLevel(level))
}

// Level returns the active level name.
func (l *Logger) Level() string {
	return strings.ToLower(l.level.Level().String())
}

// GetConfig 获取当前配置
func (l *Logger) GetConfig() *Config {
	return l.config
}
