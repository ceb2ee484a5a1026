package management

import (
	"context"
	"errors"
	"fmt"

	"plotter/internal/config"
	"plotter/internal/feed"
	"plotter/internal/hardware/protocols/serial"
	"plotter/internal/ipc"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// InfrastructureManager 管理基础设施层组件：配置、串口链路、IPC 和实时点推送
type InfrastructureManager struct {
	configManager *config.ConfigManager
	serialClient  *serial.SerialClient
	ipcServer     *ipc.IPCServer
	feedServer    *feed.Server
	logger        *logging.Logger
	ctx           context.Context
}

// NewInfrastructureManager 创建基础设施管理器。configManager must already hold a
// validated configuration.
func NewInfrastructureManager(configManager *config.ConfigManager) (*InfrastructureManager, error) {
	im := &InfrastructureManager{
		configManager: configManager,
		logger:        logging.GetLogger("infrastructure"),
	}

	systemConfig := configManager.GetConfig()

	// 1. 串口链路 (按配置选择驱动)
	client, err := serial.NewSerialClient(systemConfig.Serial)
	if err != nil {
		return nil, fmt.Errorf("failed to create serial client: %w", err)
	}
	im.serialClient = client

	// 2. IPC 服务器
	im.ipcServer = ipc.NewIPCServer(systemConfig.IPC)

	// 3. 实时点推送 (可选)
	if systemConfig.Feed.Enabled {
		im.feedServer = feed.NewServer(systemConfig.Feed, nil)
	}

	return im, nil
}

// GetConfigManager 获取配置管理器
func (im *InfrastructureManager) GetConfigManager() *config.ConfigManager {
	return im.configManager
}

// GetSerialClient 获取串口客户端
func (im *InfrastructureManager) GetSerialClient() *serial.SerialClient {
	return im.serialClient
}

// GetIPCServer 获取IPC服务器
func (im *InfrastructureManager) GetIPCServer() *ipc.IPCServer {
	return im.ipcServer
}

// GetFeedServer returns nil when the feed is disabled.
func (im *InfrastructureManager) GetFeedServer() *feed.Server {
	return im.feedServer
}

// GetSystemConfig 获取系统配置
func (im *InfrastructureManager) GetSystemConfig() types.SystemConfig {
	return im.configManager.GetConfig()
}

// Start 启动基础设施层
func (im *InfrastructureManager) Start(ctx context.Context) error {
	im.ctx = ctx
	im.logger.Info("Starting infrastructure layer")

	if err := im.serialClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to plotter: %w", err)
	}

	if err := im.ipcServer.Start(); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	if im.feedServer != nil {
		if err := im.feedServer.Start(); err != nil {
			return fmt.Errorf("failed to start feed server: %w", err)
		}
	}

	// 启动配置监听
	if err := im.configManager.StartWatching(ctx); err != nil {
		im.logger.Warn("Failed to start config watcher", "error", err)
	}

	im.logger.Info("Infrastructure layer started successfully")
	return nil
}

// Stop 停止基础设施层
func (im *InfrastructureManager) Stop(ctx context.Context) error {
	im.logger.Info("Stopping infrastructure layer")

	// 停止顺序: 推送 -> IPC -> 串口 -> 配置 (与启动相反)
	var errs []error

	if im.feedServer != nil {
		if err := im.feedServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("feed server stop error: %w", err))
		}
	}

	if im.ipcServer != nil {
		if err := im.ipcServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("IPC server stop error: %w", err))
		}
	}

	if im.serialClient != nil {
		if err := im.serialClient.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("serial link stop error: %w", err))
		}
	}

	if im.configManager != nil {
		if err := im.configManager.StopWatching(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher stop error: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	im.logger.Info("Infrastructure layer stopped successfully")
	return nil
}

// WatchConfigChanges 监听配置变化
func (im *InfrastructureManager) WatchConfigChanges(callback func(types.SystemConfig)) {
	im.configManager.WatchChanges(func(config types.SystemConfig) {
		im.logger.Info("Configuration changed, updating infrastructure...")
		callback(config)
	})
}
