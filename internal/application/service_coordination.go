package application

import (
	"context"
	"errors"
	"fmt"

	"plotter/internal/core"
	"plotter/internal/logging"
	"plotter/internal/session"
	"plotter/pkg/types"
)

// ServiceCoordinationLayer owns the motion controller and the session snapshot:
// it restores the device position on start and persists it on stop.
type ServiceCoordinationLayer struct {
	controller  *core.MotionController
	store       *session.Store
	resetOnExit bool
	logger      *logging.Logger
}

func NewServiceCoordinationLayer(controller *core.MotionController, store *session.Store, resetOnExit bool) *ServiceCoordinationLayer {
	return &ServiceCoordinationLayer{
		controller:  controller,
		store:       store,
		resetOnExit: resetOnExit,
		logger:      logging.GetLogger("service_coordination"),
	}
}

// Start restores the previous session. A missing or unreadable snapshot is not
// an error: the device simply starts from its own notion of zero.
func (scl *ServiceCoordinationLayer) Start(ctx context.Context) error {
	scl.logger.Info("Starting Service Coordination Layer")

	if scl.store != nil {
		result, err := session.Restore(ctx, scl.store, scl.controller)
		if err != nil {
			return err
		}
		switch result.Status {
		case session.Found:
			scl.logger.Info("Previous session restored", "angles", result.Angles)
		case session.Failed:
			scl.logger.Warn("Ignoring unreadable session snapshot", "path", scl.store.Path(), "error", result.Err)
		default:
			scl.logger.Debug("No prior session", "path", scl.store.Path())
		}
	}

	scl.logger.Info("Service Coordination Layer started successfully")
	return nil
}

// Stop optionally parks the head and then writes the current angles.
func (scl *ServiceCoordinationLayer) Stop(ctx context.Context) error {
	scl.logger.Info("Stopping Service Coordination Layer")

	var errs []error

	if scl.resetOnExit {
		if _, err := scl.controller.ResetHead(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reset head on exit: %w", err))
		}
	}

	if scl.store != nil {
		if err := scl.store.Save(scl.controller.Angles()); err != nil {
			errs = append(errs, fmt.Errorf("save session: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	scl.logger.Info("Service Coordination Layer stopped successfully")
	return nil
}

func (scl *ServiceCoordinationLayer) MoveToTarget(ctx context.Context, x, y float64) (types.JointAngles, error) {
	scl.logger.Info("Moving to target", "x", x, "y", y)
	return scl.controller.MoveToXY(ctx, x, y)
}

func (scl *ServiceCoordinationLayer) MoveAngles(ctx context.Context, angles types.JointAngles) (types.JointAngles, error) {
	scl.logger.Info("Moving to angles", "angles", angles)
	return scl.controller.MoveTo(ctx, angles)
}

func (scl *ServiceCoordinationLayer) ResetHead(ctx context.Context) (types.JointAngles, error) {
	scl.logger.Info("Resetting head")
	return scl.controller.ResetHead(ctx)
}

func (scl *ServiceCoordinationLayer) ZeroAngles(ctx context.Context) error {
	scl.logger.Info("Zeroing angles")
	return scl.controller.ZeroAngles(ctx)
}

func (scl *ServiceCoordinationLayer) SetSpeed(ctx context.Context, rpm float64) error {
	scl.logger.Info("Setting speed", "rpm", rpm)
	return scl.controller.SetSpeed(ctx, rpm)
}

func (scl *ServiceCoordinationLayer) Calibrate(ctx context.Context, angles types.JointAngles) error {
	scl.logger.Info("Calibrating", "angles", angles)
	return scl.controller.Calibrate(ctx, angles)
}

// SendRawCommand passes text to the device untouched and returns its reply.
func (scl *ServiceCoordinationLayer) SendRawCommand(ctx context.Context, text string) (string, error) {
	scl.logger.Info("Sending raw command", "line", text)
	return scl.controller.Raw(ctx, text)
}

func (scl *ServiceCoordinationLayer) CurrentAngles() types.JointAngles {
	return scl.controller.Angles()
}

// GetController returns the motion controller for upper layers
func (scl *ServiceCoordinationLayer) GetController() *core.MotionController {
	return scl.controller
}
