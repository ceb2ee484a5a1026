package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"plotter/pkg/types"
)

var (
	// 全局日志管理器实例
	defaultManager *Manager
	once           sync.Once
)

// Manager 日志管理器：所有命名日志器共享同一个输出和级别
type Manager struct {
	mu      sync.RWMutex
	loggers map[string]*Logger
	config  *Config
	level   *slog.LevelVar
	handler slog.Handler
	closer  io.Closer
}

// NewManager 创建新的日志管理器
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	writer, closer, err := openOutput(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(config.Level))

	m := &Manager{
		loggers: make(map[string]*Logger),
		config:  config,
		level:   level,
		handler: createHandler(config, writer, level),
		closer:  closer,
	}
	m.loggers["default"] = m.newLogger("default")

	return m, nil
}

// GetManager 获取全局日志管理器实例
func GetManager() *Manager {
	once.Do(func() {
		defaultManager, _ = NewManager(DefaultConfig())
	})
	return defaultManager
}

// newLogger must be called with m.mu held or before m is shared.
func (m *Manager) newLogger(name string) *Logger {
	base := slog.New(m.handler)
	// 为不同的模块添加前缀
	if name != "default" {
		base = base.With("module", name)
	}
	return &Logger{Logger: base, config: m.config, level: m.level}
}

// GetLogger 获取指定名称的日志器
func (m *Manager) GetLogger(name string) (*Logger, error) {
	if name == "" {
		return nil, errors.New("logger name cannot be empty")
	}

	m.mu.RLock()
	logger, exists := m.loggers[name]
	m.mu.RUnlock()

	if exists {
		return logger, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 再次检查，防止并发创建
	if logger, exists := m.loggers[name]; exists {
		return logger, nil
	}

	logger = m.newLogger(name)
	m.loggers[name] = logger
	return logger, nil
}

// UpdateConfig 更新配置。A level change reaches every logger immediately,
// including ones derived with With. A new output or format is applied to the
// named loggers, so it should happen before components start logging
// concurrently.
func (m *Manager) UpdateConfig(config *Config) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Output != m.config.Output || config.OutputPath != m.config.OutputPath ||
		config.Format != m.config.Format || config.AddSource != m.config.AddSource ||
		config.TimeFormat != m.config.TimeFormat {
		writer, closer, err := openOutput(config)
		if err != nil {
			return err
		}
		if m.closer != nil {
			m.closer.Close()
		}
		m.handler = createHandler(config, writer, m.level)
		m.closer = closer
		m.config = config

		// 重建所有已注册的日志器
		for name, logger := range m.loggers {
			logger.Logger = m.newLogger(name).Logger
			logger.config = config
		}
	} else {
		m.config = config
		for _, logger := range m.loggers {
			logger.config = config
		}
	}

	m.level.Set(parseLevel(config.Level))
	m.loggers["default"].Info("Logger configuration updated", "level", config.Level, "format", config.Format, "output", config.Output)
	return nil
}

// SetLevel 修改全局日志级别
func (m *Manager) SetLevel(level string) error {
	if !ValidLevel(level) {
		return fmt.Errorf("unknown log level %q", level)
	}

	m.mu.Lock()
	m.config.Level = level
	m.mu.Unlock()

	m.level.Set(parseLevel(level))
	return nil
}

// Level returns the active level name.
func (m *Manager) Level() string {
	return m.loggers["default"].Level()
}

// GetLoggerNames 获取所有日志器名称
func (m *Manager) GetLoggerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loggers))
	for name := range m.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveLogger 移除指定的日志器
func (m *Manager) RemoveLogger(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "default" {
		return // 不允许移除默认日志器
	}

	delete(m.loggers, name)
}

// Close 关闭日志管理器，文件输出会被关闭
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

// Configure applies the daemon's logging section to the global manager.
func Configure(c types.LoggingConfig) error {
	return GetManager().UpdateConfig(FromSystemConfig(c))
}

// 便捷函数：使用默认日志管理器获取日志器
func GetLogger(name string) *Logger {
	m := GetManager()
	logger, err := m.GetLogger(name)
	if err != nil {
		// 如果获取失败，返回默认日志器
		logger, _ = m.GetLogger("default")
		logger.Error("Failed to get logger", "requested_name", name, "error", err)
	}
	return logger
}

// 便捷函数：获取默认日志器
func Default() *Logger {
	return GetLogger("default")
}

// 便捷函数：使用全局默认日志器记录各级别日志
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
