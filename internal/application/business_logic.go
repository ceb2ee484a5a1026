package application

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"plotter/internal/core"
	"plotter/internal/logging"
	"plotter/internal/path"
	"plotter/pkg/types"
)

// ConsoleLayer answers operator console commands. It sits behind a
// core.CommandRouter, which refuses device commands while a job is drawing.
type ConsoleLayer struct {
	services *ServiceCoordinationLayer
	tasks    *TaskOrchestrationLayer
	logger   *logging.Logger
}

func NewConsoleLayer(services *ServiceCoordinationLayer, tasks *TaskOrchestrationLayer) *ConsoleLayer {
	return &ConsoleLayer{
		services: services,
		tasks:    tasks,
		logger:   logging.GetLogger("console"),
	}
}

// CommandHandler interface implementation
func (cl *ConsoleLayer) GetHandledCommands() []types.ConsoleCommand {
	return []types.ConsoleCommand{
		types.CmdMoveToTarget,
		types.CmdMoveAngles,
		types.CmdResetHead,
		types.CmdZeroAngles,
		types.CmdSetSpeed,
		types.CmdCalibrate,
		types.CmdStartJob,
		types.CmdCancelJob,
		types.CmdJobStatus,
		types.CmdCurrentAngles,
		types.CmdRawCommand,
	}
}

func (cl *ConsoleLayer) GetName() string {
	return "console"
}

func (cl *ConsoleLayer) HandleCommand(ctx context.Context, msg *types.ConsoleMessage) *types.ConsoleResponse {
	cl.logger.Info("Console command", "command", msg.Command, "source", msg.Source)

	var (
		data map[string]interface{}
		err  error
	)

	switch msg.Command {
	case types.CmdMoveToTarget:
		data, err = cl.handleMoveToTarget(ctx, msg.Params)
	case types.CmdMoveAngles:
		data, err = cl.handleMoveAngles(ctx, msg.Params)
	case types.CmdResetHead:
		var angles types.JointAngles
		angles, err = cl.services.ResetHead(ctx)
		data = anglesData(angles)
	case types.CmdZeroAngles:
		err = cl.services.ZeroAngles(ctx)
	case types.CmdSetSpeed:
		data, err = cl.handleSetSpeed(ctx, msg.Params)
	case types.CmdCalibrate:
		data, err = cl.handleCalibrate(ctx, msg.Params)
	case types.CmdStartJob:
		data, err = cl.handleStartJob(msg.Params)
	case types.CmdCancelJob:
		err = cl.tasks.CancelJob()
	case types.CmdJobStatus:
		data = cl.tasks.JobStatus()
	case types.CmdCurrentAngles:
		data = anglesData(cl.services.CurrentAngles())
	case types.CmdRawCommand:
		data, err = cl.handleRaw(ctx, msg.Params)
	default:
		err = fmt.Errorf("console cannot handle command: %s", msg.Command)
	}

	if err != nil {
		cl.logger.Warn("Console command failed", "command", msg.Command, "error", err)
		return core.ErrorResponse(msg, err)
	}
	return core.SuccessResponse(msg, data)
}

func (cl *ConsoleLayer) handleMoveToTarget(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	x, err := floatParam(params, "x")
	if err != nil {
		return nil, err
	}
	y, err := floatParam(params, "y")
	if err != nil {
		return nil, err
	}
	angles, err := cl.services.MoveToTarget(ctx, x, y)
	if err != nil {
		return nil, err
	}
	return anglesData(angles), nil
}

func (cl *ConsoleLayer) handleMoveAngles(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	target, err := anglesParam(params)
	if err != nil {
		return nil, err
	}
	angles, err := cl.services.MoveAngles(ctx, target)
	if err != nil {
		return nil, err
	}
	return anglesData(angles), nil
}

func (cl *ConsoleLayer) handleSetSpeed(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	rpm, err := floatParam(params, "rpm")
	if err != nil {
		return nil, err
	}
	if rpm <= 0 {
		return nil, fmt.Errorf("rpm must be positive, got %v", rpm)
	}
	if err := cl.services.SetSpeed(ctx, rpm); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rpm": rpm}, nil
}

func (cl *ConsoleLayer) handleCalibrate(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	angles, err := anglesParam(params)
	if err != nil {
		return nil, err
	}
	if err := cl.services.Calibrate(ctx, angles); err != nil {
		return nil, err
	}
	return anglesData(cl.services.CurrentAngles()), nil
}

func (cl *ConsoleLayer) handleStartJob(params map[string]interface{}) (map[string]interface{}, error) {
	file, ok := params["file"].(string)
	if !ok || strings.TrimSpace(file) == "" {
		return nil, fmt.Errorf("missing parameter: file")
	}

	var resolution float64
	if _, present := params["resolution"]; present {
		r, err := floatParam(params, "resolution")
		if err != nil {
			return nil, err
		}
		resolution = r
	}

	mode, _ := params["mode"].(string)

	job, err := cl.tasks.StartJob(path.GCodeFile{Path: file}, resolution, types.ExecutionMode(mode))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"job_id": job.ID(),
		"mode":   string(job.Mode()),
		"status": job.Status().String(),
	}, nil
}

func (cl *ConsoleLayer) handleRaw(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	line, ok := params["line"].(string)
	if !ok || strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("missing parameter: line")
	}
	response, err := cl.services.SendRawCommand(ctx, line)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"response": response}, nil
}

func anglesData(a types.JointAngles) map[string]interface{} {
	return map[string]interface{}{
		"alpha1": a.Alpha1,
		"alpha2": a.Alpha2,
	}
}

func anglesParam(params map[string]interface{}) (types.JointAngles, error) {
	a1, err := floatParam(params, "alpha1")
	if err != nil {
		return types.JointAngles{}, err
	}
	a2, err := floatParam(params, "alpha2")
	if err != nil {
		return types.JointAngles{}, err
	}
	return types.JointAngles{Alpha1: a1, Alpha2: a2}, nil
}

// floatParam accepts JSON numbers as well as numeric strings typed at the console.
func floatParam(params map[string]interface{}, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter: %s", key)
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %q is not a number", key, n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("parameter %s: unsupported type %T", key, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parameter %s: %v is not a finite number", key, v)
	}
	return f, nil
}
