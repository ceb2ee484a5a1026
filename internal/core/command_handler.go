package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"plotter/internal/hardware/protocols/lineproto"
	"plotter/internal/kinematics"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// CommandHandler 处理一组操作台命令
type CommandHandler interface {
	// GetHandledCommands returns the commands this handler answers
	GetHandledCommands() []types.ConsoleCommand

	// HandleCommand answers one command; a nil response is treated as an internal error
	HandleCommand(ctx context.Context, msg *types.ConsoleMessage) *types.ConsoleResponse

	GetName() string
}

// deviceCommands talk to the plotter and would interleave with a running job.
var deviceCommands = map[types.ConsoleCommand]bool{
	types.CmdMoveToTarget: true,
	types.CmdMoveAngles:   true,
	types.CmdResetHead:    true,
	types.CmdZeroAngles:   true,
	types.CmdSetSpeed:     true,
	types.CmdCalibrate:    true,
	types.CmdRawCommand:   true,
}

// NeedsIdleDevice reports whether cmd must wait for the plotter to be free of jobs.
func NeedsIdleDevice(cmd types.ConsoleCommand) bool {
	return deviceCommands[cmd]
}

// CommandRouter 操作台命令路由。Device commands are refused while busy
// reports true, and every response carries the request id of its message.
// RouteCommand may be called from many goroutines at once.
type CommandRouter struct {
	mu       sync.RWMutex
	handlers map[types.ConsoleCommand]CommandHandler
	busy     func() bool
	logger   *logging.Logger
}

// NewCommandRouter creates a router. busy may be nil when no job can run.
func NewCommandRouter(busy func() bool) *CommandRouter {
	return &CommandRouter{
		handlers: make(map[types.ConsoleCommand]CommandHandler),
		busy:     busy,
		logger:   logging.GetLogger("router"),
	}
}

// RegisterHandler routes every command of handler to it. A command already
// owned by another handler is an error and nothing is registered.
func (cr *CommandRouter) RegisterHandler(handler CommandHandler) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	commands := handler.GetHandledCommands()
	for _, cmd := range commands {
		if existing, ok := cr.handlers[cmd]; ok && existing != handler {
			return fmt.Errorf("command %s already handled by %s", cmd, existing.GetName())
		}
	}
	for _, cmd := range commands {
		cr.handlers[cmd] = handler
	}
	cr.logger.Debug("Registered command handler", "handler", handler.GetName(), "commands", commands)
	return nil
}

func (cr *CommandRouter) UnregisterHandler(handler CommandHandler) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for _, cmd := range handler.GetHandledCommands() {
		if cr.handlers[cmd] == handler {
			delete(cr.handlers, cmd)
		}
	}
}

// RouteCommand answers msg. It never returns nil: unknown commands, busy
// refusals and handler panics all become error responses.
func (cr *CommandRouter) RouteCommand(ctx context.Context, msg *types.ConsoleMessage) (resp *types.ConsoleResponse) {
	cr.mu.RLock()
	handler, ok := cr.handlers[msg.Command]
	cr.mu.RUnlock()

	if !ok {
		return ErrorResponse(msg, fmt.Errorf("unknown command: %s", msg.Command))
	}
	if NeedsIdleDevice(msg.Command) && cr.busy != nil && cr.busy() {
		cr.logger.Info("Refused while drawing", "command", msg.Command, "source", msg.Source)
		return ErrorResponse(msg, ErrJobRunning)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			cr.logger.Error("Command handler panic", "command", msg.Command, "handler", handler.GetName(), "panic", r)
			resp = ErrorResponse(msg, fmt.Errorf("internal error handling %s", msg.Command))
		}
	}()

	resp = handler.HandleCommand(ctx, msg)
	if resp == nil {
		return ErrorResponse(msg, fmt.Errorf("%s returned no response for %s", handler.GetName(), msg.Command))
	}
	resp.RequestID = msg.RequestID
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}

	cr.logger.Debug("Command routed", "command", msg.Command, "handler", handler.GetName(),
		"status", resp.Status, "took", time.Since(start))
	return resp
}

// GetRegisteredHandlers returns the sorted commands of each handler by name.
func (cr *CommandRouter) GetRegisteredHandlers() map[string][]types.ConsoleCommand {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	result := make(map[string][]types.ConsoleCommand)
	for cmd, handler := range cr.handlers {
		result[handler.GetName()] = append(result[handler.GetName()], cmd)
	}
	for _, cmds := range result {
		sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })
	}
	return result
}

// SuccessResponse wraps data in a success response for msg.
func SuccessResponse(msg *types.ConsoleMessage, data map[string]interface{}) *types.ConsoleResponse {
	return &types.ConsoleResponse{
		RequestID: msg.RequestID,
		Status:    "success",
		Data:      data,
		Timestamp: time.Now(),
	}
}

// ErrorResponse 错误响应。Data["kind"] classifies err for the console:
//
//	unreachable  target outside the workspace (Data["side"] names the linkage)
//	busy         a drawing job owns the device
//	no_job       nothing to cancel
//	protocol     the device answered with a line that could not be parsed
//	transport    write, read or acknowledgement failure on the link
//
// Other errors carry no kind.
func ErrorResponse(msg *types.ConsoleMessage, err error) *types.ConsoleResponse {
	resp := &types.ConsoleResponse{
		RequestID: msg.RequestID,
		Status:    "error",
		Error:     err.Error(),
		Timestamp: time.Now(),
	}

	var (
		unreachable *kinematics.UnreachablePointError
		protocol    *lineproto.ProtocolError
		transport   *TransportError
	)
	switch {
	case errors.As(err, &unreachable):
		resp.Data = map[string]interface{}{"kind": "unreachable", "side": string(unreachable.Side)}
	case errors.Is(err, ErrJobRunning):
		resp.Data = map[string]interface{}{"kind": "busy"}
	case errors.Is(err, ErrNoJob):
		resp.Data = map[string]interface{}{"kind": "no_job"}
	case errors.As(err, &protocol):
		resp.Data = map[string]interface{}{"kind": "protocol"}
	case errors.As(err, &transport):
		resp.Data = map[string]interface{}{"kind": "transport"}
	}
	return resp
}
