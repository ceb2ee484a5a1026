// Package config provides YAML-based configuration management with environment
// overrides and hot reload. It covers the rig geometry, the serial link, the drawing
// executor, session persistence, the console and feed endpoints, and logging.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"

	"plotter/internal/kinematics"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// envOverrides 部署时可通过环境变量覆盖的配置项；未设置的变量不生效
type envOverrides struct {
	SerialPort   string `env:"PLOTTER_SERIAL_PORT"`
	SerialDriver string `env:"PLOTTER_SERIAL_DRIVER"`
	SerialBaud   int    `env:"PLOTTER_SERIAL_BAUD"`
	SessionPath  string `env:"PLOTTER_SESSION_PATH"`
	LogLevel     string `env:"PLOTTER_LOG_LEVEL"`
	IPCPort      int    `env:"PLOTTER_IPC_PORT"`
	FeedListen   string `env:"PLOTTER_FEED_LISTEN"`
}

type ConfigManager struct {
	config       types.SystemConfig
	configPath   string
	configLock   sync.RWMutex
	watchers     []func(types.SystemConfig)
	watchersLock sync.RWMutex
	lastModified time.Time
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	watching     bool
	logger       *logging.Logger
}

func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath:   configPath,
		config:       DefaultConfig(),
		watchers:     make([]func(types.SystemConfig), 0),
		pollInterval: time.Second,
		logger:       logging.GetLogger("config_manager"),
	}
}

// DefaultConfig 返回参考绘图仪的默认配置
func DefaultConfig() types.SystemConfig {
	return types.SystemConfig{
		Rig: types.DefaultRigGeometry(),
		Serial: types.SerialConfig{
			Driver:        "jacobsa",
			PortName:      "/dev/ttyUSB0",
			BaudRate:      115200,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			AckTimeout:    30 * time.Second,
			BannerTimeout: 2 * time.Second,
			RetryCount:    3,
			RetryInterval: time.Second,
		},
		Executor: types.ExecutorConfig{
			Mode:              types.ModeSequential,
			BatchSize:         5,
			TailPolicy:        types.TailDrop,
			RampRPM:           350,
			DefaultResolution: 1,
		},
		Session: types.SessionConfig{
			Path: "last_angles.txt",
		},
		IPC: types.IPCConfig{
			Type:       "tcp",
			Address:    "127.0.0.1",
			Port:       18080,
			Timeout:    5 * time.Second,
			BufferSize: 1024,
		},
		Feed: types.FeedConfig{
			Enabled: true,
			Listen:  "127.0.0.1:18081",
		},
		Logging: types.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadConfig reads the YAML file on top of the defaults, applies environment
// overrides and validates the result.
func (cm *ConfigManager) LoadConfig(path string) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	if path != "" {
		cm.configPath = path
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	cm.config = config
	cm.lastModified = cm.fileModTime()

	cm.logger.Info("Configuration loaded", "config_path", cm.configPath)
	return nil
}

// LoadOrCreate loads the file, writing the defaults there first when it does not exist.
func (cm *ConfigManager) LoadOrCreate(path string) error {
	if path != "" {
		cm.configLock.Lock()
		cm.configPath = path
		cm.configLock.Unlock()
	}

	if _, err := os.Stat(cm.GetConfigPath()); errors.Is(err, fs.ErrNotExist) {
		cm.logger.Info("Config file not found, creating default", "config_path", cm.GetConfigPath())
		if err := cm.CreateDefaultConfig(); err != nil {
			return err
		}
	}
	return cm.LoadConfig("")
}

func applyEnv(config *types.SystemConfig) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}

	if o.SerialPort != "" {
		config.Serial.PortName = o.SerialPort
	}
	if o.SerialDriver != "" {
		config.Serial.Driver = o.SerialDriver
	}
	if o.SerialBaud != 0 {
		config.Serial.BaudRate = o.SerialBaud
	}
	if o.SessionPath != "" {
		config.Session.Path = o.SessionPath
	}
	if o.LogLevel != "" {
		config.Logging.Level = o.LogLevel
	}
	if o.IPCPort != 0 {
		config.IPC.Port = o.IPCPort
	}
	if o.FeedListen != "" {
		config.Feed.Listen = o.FeedListen
	}
	return nil
}

func (cm *ConfigManager) Reload() error {
	return cm.LoadConfig("")
}

func (cm *ConfigManager) GetConfig() types.SystemConfig {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.config
}

// SetConfig validates config, writes it to the config file and notifies watchers.
func (cm *ConfigManager) SetConfig(config types.SystemConfig) error {
	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	cm.configLock.Lock()
	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		cm.configLock.Unlock()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	cm.config = config
	cm.lastModified = cm.fileModTime()
	path := cm.configPath
	cm.configLock.Unlock()

	cm.notifyWatchers()
	cm.logger.Info("Configuration updated and saved", "config_path", path)
	return nil
}

func (cm *ConfigManager) WatchChanges(callback func(types.SystemConfig)) error {
	cm.watchersLock.Lock()
	defer cm.watchersLock.Unlock()

	cm.watchers = append(cm.watchers, callback)
	return nil
}

func (cm *ConfigManager) StartWatching(ctx context.Context) error {
	if cm.watching {
		return fmt.Errorf("config watcher is already running")
	}

	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.watching = true

	cm.wg.Add(1)
	go cm.watchFile()

	cm.logger.Info("Started watching config file", "config_path", cm.GetConfigPath())
	return nil
}

func (cm *ConfigManager) StopWatching() error {
	if !cm.watching {
		return fmt.Errorf("config watcher is not running")
	}

	cm.cancel()
	cm.wg.Wait()
	cm.watching = false

	cm.logger.Info("Stopped watching config file")
	return nil
}

func (cm *ConfigManager) watchFile() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.checkFileChanges()
		}
	}
}

// fileModTime must be called with configLock held.
func (cm *ConfigManager) fileModTime() time.Time {
	info, err := os.Stat(cm.configPath)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}

func (cm *ConfigManager) checkFileChanges() {
	cm.configLock.RLock()
	path := cm.configPath
	last := cm.lastModified
	cm.configLock.RUnlock()

	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			cm.logger.Error("Error checking config file", "error", err)
		}
		return
	}

	if info.ModTime().After(last) {
		cm.logger.Info("Config file modified, reloading...")
		if err := cm.Reload(); err != nil {
			cm.logger.Error("Failed to reload config", "error", err)
			cm.configLock.Lock()
			cm.lastModified = info.ModTime()
			cm.configLock.Unlock()
		} else {
			cm.notifyWatchers()
		}
	}
}

func (cm *ConfigManager) notifyWatchers() {
	cm.watchersLock.RLock()
	watchers := make([]func(types.SystemConfig), len(cm.watchers))
	copy(watchers, cm.watchers)
	cm.watchersLock.RUnlock()

	config := cm.GetConfig()
	for _, watcher := range watchers {
		go watcher(config)
	}
}

// validateConfig fills unset values with defaults and rejects values the
// daemon cannot run with.
func validateConfig(config *types.SystemConfig) error {
	defaults := DefaultConfig()

	if err := kinematics.Validate(config.Rig); err != nil {
		return fmt.Errorf("rig: %w", err)
	}

	if config.Serial.Driver == "" {
		config.Serial.Driver = defaults.Serial.Driver
	}
	if config.Serial.BaudRate <= 0 {
		config.Serial.BaudRate = defaults.Serial.BaudRate
	}
	if config.Serial.DataBits <= 0 {
		config.Serial.DataBits = defaults.Serial.DataBits
	}
	if config.Serial.StopBits <= 0 {
		config.Serial.StopBits = defaults.Serial.StopBits
	}
	if config.Serial.AckTimeout < 0 {
		return fmt.Errorf("serial.ack_timeout must not be negative")
	}
	if config.Serial.PortName == "" && config.Serial.Driver != "sim" {
		return fmt.Errorf("serial.port_name must be set")
	}

	switch config.Executor.Mode {
	case "":
		config.Executor.Mode = defaults.Executor.Mode
	case types.ModeSequential, types.ModeBatched:
	default:
		return fmt.Errorf("executor.mode %q is not one of sequential, batched", config.Executor.Mode)
	}
	switch config.Executor.TailPolicy {
	case "":
		config.Executor.TailPolicy = defaults.Executor.TailPolicy
	case types.TailDrop, types.TailFlush:
	default:
		return fmt.Errorf("executor.tail_policy %q is not one of drop, flush", config.Executor.TailPolicy)
	}
	if config.Executor.BatchSize <= 0 {
		config.Executor.BatchSize = defaults.Executor.BatchSize
	}
	if config.Executor.RampRPM <= 0 {
		config.Executor.RampRPM = defaults.Executor.RampRPM
	}
	if config.Executor.DefaultResolution <= 0 {
		config.Executor.DefaultResolution = defaults.Executor.DefaultResolution
	}

	if config.Session.Path == "" {
		config.Session.Path = defaults.Session.Path
	}

	if config.IPC.BufferSize <= 0 {
		config.IPC.BufferSize = defaults.IPC.BufferSize
	}
	if config.IPC.Timeout <= 0 {
		config.IPC.Timeout = defaults.IPC.Timeout
	}
	if config.IPC.Port <= 0 || config.IPC.Port > 65535 {
		return fmt.Errorf("ipc.port %d out of range", config.IPC.Port)
	}

	if config.Feed.Enabled && config.Feed.Listen == "" {
		config.Feed.Listen = defaults.Feed.Listen
	}

	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if !logging.ValidLevel(config.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a known level", config.Logging.Level)
	}

	return nil
}

func (cm *ConfigManager) CreateDefaultConfig() error {
	return cm.SetConfig(DefaultConfig())
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.configPath
}

func (cm *ConfigManager) ExportConfig(path string) error {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	data, err := yaml.Marshal(cm.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	cm.logger.Info("Configuration exported", "path", path)
	return nil
}
