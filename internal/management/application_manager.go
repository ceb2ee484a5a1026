package management

import (
	"context"
	"errors"
	"fmt"

	"plotter/internal/application"
	"plotter/internal/core"
	"plotter/internal/feed"
	"plotter/internal/ipc"
	"plotter/internal/logging"
	"plotter/internal/session"
	"plotter/pkg/types"
)

// ApplicationManager 管理应用层组件：运动控制、绘图任务和操作台命令路由
type ApplicationManager struct {
	infrastructure *InfrastructureManager
	eventLoop      *core.EventLoop

	controller          *core.MotionController
	serviceCoordination *application.ServiceCoordinationLayer
	taskOrchestration   *application.TaskOrchestrationLayer
	console             *application.ConsoleLayer

	// 命令路由系统
	commandRouter *core.CommandRouter
	configHandler *ConfigHandler

	logger *logging.Logger
	ctx    context.Context
}

// NewApplicationManager 创建应用管理器
func NewApplicationManager(infrastructure *InfrastructureManager, eventLoop *core.EventLoop, systemConfig types.SystemConfig) (*ApplicationManager, error) {
	am := &ApplicationManager{
		infrastructure: infrastructure,
		eventLoop:      eventLoop,
		logger:         logging.GetLogger("application"),
	}

	// 1. 运动控制器 - 唯一持有关节角度状态的组件
	am.controller = core.NewMotionController(infrastructure.GetSerialClient(), systemConfig.Rig)

	// 2. 服务协调层 - 设备操作和会话持久化
	store := session.NewStore(systemConfig.Session.Path)
	am.serviceCoordination = application.NewServiceCoordinationLayer(am.controller, store, systemConfig.ResetHeadOnExit)

	// 3. 任务编排层 - 绘图任务执行，绘制点通过事件循环发布
	executor := core.NewDrawingExecutor(am.controller, systemConfig.Executor)
	am.taskOrchestration = application.NewTaskOrchestrationLayer(executor, eventLoop, systemConfig.Executor)

	// 4. 操作台命令层
	am.console = application.NewConsoleLayer(am.serviceCoordination, am.taskOrchestration)

	// 5. 命令路由系统 - 绘图期间拒绝设备命令
	am.commandRouter = core.NewCommandRouter(am.taskOrchestration.Running)
	am.configHandler = NewConfigHandler(infrastructure.GetConfigManager(), am.logger)

	am.logger.Info("ApplicationManager created")
	return am, nil
}

// SetupDependencies 设置组件间依赖关系
func (am *ApplicationManager) SetupDependencies() error {
	am.logger.Info("Setting up application layer dependencies")

	ipcServer := am.infrastructure.GetIPCServer()
	if ipcServer == nil {
		return errors.New("IPC server not available")
	}

	// 1. 注册IPC消息处理器
	ipcServer.RegisterHandler(types.MsgConsoleCommand, am.handleConsoleCommand)

	// 2. 绘制点和任务事件推送到操作台和渲染端
	am.eventLoop.RegisterHandler(newConsoleNotifier(ipcServer))
	if feedServer := am.infrastructure.GetFeedServer(); feedServer != nil {
		feedServer.SetStatusFunc(am.feedStatus)
		am.eventLoop.RegisterHandler(feedServer)
	}
	am.eventLoop.RegisterHandler(newConfigReloadHandler())

	// 3. 注册命令处理器
	if err := am.setupCommandHandlers(); err != nil {
		return err
	}

	am.logger.Info("Application layer dependencies setup completed")
	return nil
}

// setupCommandHandlers 注册命令处理器到路由器
func (am *ApplicationManager) setupCommandHandlers() error {
	for _, handler := range []core.CommandHandler{am.console, am.configHandler} {
		if err := am.commandRouter.RegisterHandler(handler); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", handler.GetName(), err)
		}
	}

	for handlerName, commands := range am.commandRouter.GetRegisteredHandlers() {
		am.logger.Info("Registered handler", "handler", handlerName, "commands", commands)
	}
	return nil
}

// Start 启动应用层：先恢复上次会话，再接受绘图任务
func (am *ApplicationManager) Start(ctx context.Context) error {
	am.ctx = ctx
	am.logger.Info("Starting application layer")

	if err := am.serviceCoordination.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service coordination layer: %w", err)
	}

	if err := am.taskOrchestration.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task orchestration layer: %w", err)
	}

	am.logger.Info("Application layer started successfully", "angles", am.controller.Angles())
	return nil
}

// Stop 停止应用层：取消并等待当前任务，然后保存角度。ctx bounds the device
// traffic of the shutdown sequence.
func (am *ApplicationManager) Stop(ctx context.Context) error {
	am.logger.Info("Stopping application layer")

	var errs []error

	if am.taskOrchestration != nil {
		if err := am.taskOrchestration.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("task orchestration layer stop error: %w", err))
		}
	}

	if am.serviceCoordination != nil {
		if err := am.serviceCoordination.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("service coordination layer stop error: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	am.logger.Info("Application layer stopped successfully")
	return nil
}

// handleConsoleCommand 处理操作台命令。Each command runs on its own goroutine
// so a slow device round trip never stalls the IPC reader.
func (am *ApplicationManager) handleConsoleCommand(message types.IPCMessage) {
	go func() {
		msg, err := ipc.DecodeCommand(message)
		if err != nil {
			am.logger.Error("Failed to parse console message", "error", err)
			am.sendConsoleResponse(message.Source, core.ErrorResponse(&types.ConsoleMessage{RequestID: message.ID}, err))
			return
		}

		ctx := am.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		am.sendConsoleResponse(message.Source, am.commandRouter.RouteCommand(ctx, msg))
	}()
}

// sendConsoleResponse 发送操作台响应
func (am *ApplicationManager) sendConsoleResponse(target string, response *types.ConsoleResponse) {
	if target == "" {
		return
	}

	if err := am.infrastructure.GetIPCServer().SendToClient(target, ipc.NewResponseMessage(target, response)); err != nil {
		am.logger.Error("Failed to send console response", "target", target, "error", err)
	}
}

func (am *ApplicationManager) feedStatus() feed.Status {
	link := am.infrastructure.GetSerialClient().Stats()
	status := feed.Status{
		Angles:    am.controller.Angles(),
		JobStatus: types.JobIdle.String(),
		Link:      &link,
	}
	if job := am.taskOrchestration.GetExecutor().Current(); job != nil {
		status.JobID = job.ID()
		status.JobStatus = job.Status().String()
		status.Sent = job.Sent()
	}
	return status
}

// HandleConfigReload publishes a reloaded configuration to the event loop.
func (am *ApplicationManager) HandleConfigReload(config types.SystemConfig) {
	am.eventLoop.Publish(core.NewConfigEvent("config_watcher", am.infrastructure.GetConfigManager().GetConfigPath(), &config, nil))
}

func (am *ApplicationManager) GetController() *core.MotionController {
	return am.controller
}

func (am *ApplicationManager) GetServiceCoordinationLayer() *application.ServiceCoordinationLayer {
	return am.serviceCoordination
}

func (am *ApplicationManager) GetTaskOrchestrationLayer() *application.TaskOrchestrationLayer {
	return am.taskOrchestration
}

func (am *ApplicationManager) GetCommandRouter() *core.CommandRouter {
	return am.commandRouter
}
