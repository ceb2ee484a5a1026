// Command plotterd is the plotter host daemon. It owns the serial link to the
// arm plotter, restores the last session, serves operator consoles over IPC and
// streams drawn points to renderers while drawing jobs run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plotter/internal/config"
	"plotter/internal/core"
	"plotter/internal/logging"
	"plotter/internal/management"
)

type PlotterSystem struct {
	eventLoop      *core.EventLoop
	infrastructure *management.InfrastructureManager
	application    *management.ApplicationManager
	logger         *logging.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	running        bool
}

func NewPlotterSystem(configPath string) (*PlotterSystem, error) {
	// 1. 加载配置 (文件不存在时写入默认配置)
	configManager := config.NewConfigManager(configPath)
	if err := configManager.LoadOrCreate(""); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	systemConfig := configManager.GetConfig()
	if err := logging.Configure(systemConfig.Logging); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	// 2. 创建事件循环 (中央协调器)
	eventLoop := core.NewEventLoop()

	// 3. 创建基础设施层
	infrastructure, err := management.NewInfrastructureManager(configManager)
	if err != nil {
		return nil, fmt.Errorf("failed to create infrastructure manager: %w", err)
	}

	// 4. 创建应用层
	application, err := management.NewApplicationManager(infrastructure, eventLoop, systemConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create application manager: %w", err)
	}

	return &PlotterSystem{
		eventLoop:      eventLoop,
		infrastructure: infrastructure,
		application:    application,
		logger:         logging.GetLogger("plotterd"),
	}, nil
}

func (ps *PlotterSystem) Start() error {
	if ps.running {
		return errors.New("system is already running")
	}

	ps.ctx, ps.cancel = context.WithCancel(context.Background())
	ps.logger.Info("Starting plotter host")

	// 1. 启动基础设施层 (串口、IPC、推送、配置监听)
	if err := ps.infrastructure.Start(ps.ctx); err != nil {
		return fmt.Errorf("failed to start infrastructure layer: %w", err)
	}

	// 2. 设置应用层依赖关系
	if err := ps.application.SetupDependencies(); err != nil {
		return fmt.Errorf("failed to setup application dependencies: %w", err)
	}

	// 3. 启动应用层 (恢复会话)
	if err := ps.application.Start(ps.ctx); err != nil {
		return fmt.Errorf("failed to start application layer: %w", err)
	}

	// 4. 启动事件循环
	if err := ps.eventLoop.Start(ps.ctx); err != nil {
		return fmt.Errorf("failed to start event loop: %w", err)
	}

	// 5. 配置变化经由事件循环处理
	ps.infrastructure.WatchConfigChanges(ps.application.HandleConfigReload)

	ps.running = true
	ps.logger.Info("Plotter host started")
	ps.printSystemInfo()
	return nil
}

// Stop shuts the host down. ctx bounds the reset and save traffic that still
// has to reach the device after the system context is cancelled.
func (ps *PlotterSystem) Stop(ctx context.Context) error {
	if !ps.running {
		return errors.New("system is not running")
	}

	ps.logger.Info("Stopping plotter host")
	ps.cancel()

	// 停止顺序: 应用层 -> 事件循环 -> 基础设施层
	var errs []error

	if err := ps.application.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("application layer stop error: %w", err))
	}

	if err := ps.eventLoop.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("event loop stop error: %w", err))
	}

	if err := ps.infrastructure.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("infrastructure layer stop error: %w", err))
	}

	ps.running = false
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	ps.logger.Info("Plotter host stopped")
	return nil
}

func (ps *PlotterSystem) printSystemInfo() {
	config := ps.infrastructure.GetSystemConfig()
	angles := ps.application.GetController().Angles()

	fmt.Println("==========================================")
	fmt.Println("  Plotter Host")
	fmt.Println("==========================================")
	fmt.Printf("  Serial: %s (%s, %d baud)\n", config.Serial.PortName, config.Serial.Driver, config.Serial.BaudRate)
	fmt.Printf("  Rig: r=%.1f/%.1f l=%.1f/%.1f d=%.1f\n", config.Rig.R1, config.Rig.R2, config.Rig.L1, config.Rig.L2, config.Rig.D)
	fmt.Printf("  Workspace: %.1f x %.1f at (%.1f, %.1f)\n", config.Rig.Width, config.Rig.Height, config.Rig.XMin, config.Rig.YMin)
	fmt.Printf("  Executor: %s (batch %d, tail %s)\n", config.Executor.Mode, config.Executor.BatchSize, config.Executor.TailPolicy)
	fmt.Printf("  IPC Server: %s:%d\n", config.IPC.Address, config.IPC.Port)
	if config.Feed.Enabled {
		fmt.Printf("  Point Feed: %s\n", config.Feed.Listen)
	}
	fmt.Printf("  Session: %s\n", config.Session.Path)
	fmt.Printf("  Angles: %.2f / %.2f\n", angles.Alpha1, angles.Alpha2)
	fmt.Println("==========================================")
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	system, err := NewPlotterSystem(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create plotter host: %v\n", err)
		os.Exit(1)
	}

	if err := system.Start(); err != nil {
		logging.Error("Failed to start plotter host", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nReceived shutdown signal...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		done <- system.Stop(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logging.Error("Error during shutdown", "error", err)
			os.Exit(1)
		}
		fmt.Println("Plotter host shutdown complete")
	case <-shutdownCtx.Done():
		logging.Error("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}
}
