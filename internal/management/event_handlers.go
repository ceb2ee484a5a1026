package management

import (
	"plotter/internal/core"
	"plotter/internal/ipc"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// broadcaster is the part of the IPC server the notifier needs.
type broadcaster interface {
	Broadcast(message types.IPCMessage) error
}

// consoleNotifier pushes drawn points and job results to every connected console.
type consoleNotifier struct {
	server broadcaster
	logger *logging.Logger
}

func newConsoleNotifier(server broadcaster) *consoleNotifier {
	return &consoleNotifier{server: server, logger: logging.GetLogger("console_notifier")}
}

func (n *consoleNotifier) HandleEvent(event core.Event) error {
	var message types.IPCMessage

	switch e := event.(type) {
	case *core.PointEvent:
		message = ipc.NewNotification(types.MsgDrawnPoint, map[string]interface{}{
			"job_id": e.Point.JobID,
			"seq":    e.Point.Seq,
			"x":      e.Point.Point.X,
			"y":      e.Point.Point.Y,
		})
	case *core.JobEvent:
		data := map[string]interface{}{
			"job_id": e.JobID,
			"status": e.Status.String(),
			"sent":   e.Sent,
		}
		if e.Error != nil {
			data["error"] = e.Error.Error()
		}
		message = ipc.NewNotification(types.MsgJobFinished, data)
	default:
		return nil
	}

	return n.server.Broadcast(message)
}

func (n *consoleNotifier) GetSubscribedEvents() []core.EventType {
	return []core.EventType{core.EventTypePointDrawn, core.EventTypeJobFinished}
}

func (n *consoleNotifier) Name() string { return "console_notifier" }

// configReloadHandler applies the parts of a reloaded configuration that can
// change at runtime. Rig geometry and the serial link stay as they were.
type configReloadHandler struct {
	logger *logging.Logger
}

func newConfigReloadHandler() *configReloadHandler {
	return &configReloadHandler{logger: logging.GetLogger("config_reload")}
}

func (h *configReloadHandler) HandleEvent(event core.Event) error {
	e, ok := event.(*core.ConfigEvent)
	if !ok {
		return nil
	}
	if e.Error != nil || e.Config == nil {
		h.logger.Warn("Ignoring failed config reload", "path", e.ConfigPath, "error", e.Error)
		return nil
	}

	if err := logging.Configure(e.Config.Logging); err != nil {
		h.logger.Error("Failed to apply logging config", "error", err)
		return err
	}
	h.logger.Info("Configuration reloaded", "path", e.ConfigPath, "log_level", e.Config.Logging.Level)
	return nil
}

func (h *configReloadHandler) GetSubscribedEvents() []core.EventType {
	return []core.EventType{core.EventTypeConfigReload}
}

func (h *configReloadHandler) Name() string { return "config_reload" }
