package core

import (
	"context"
	"fmt"
	"sync"

	"plotter/internal/hardware/protocols/lineproto"
	"plotter/internal/kinematics"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// MotionController 运动控制器：持有当前关节角度，是设备状态的唯一来源。
// Every command/acknowledgement pair and the state update that follows it run
// under one mutex, so callers on different goroutines never interleave on the link.
type MotionController struct {
	link     Link
	geometry types.RigGeometry

	mu     sync.Mutex
	angles types.JointAngles

	logger *logging.Logger
}

func NewMotionController(link Link, geometry types.RigGeometry) *MotionController {
	return &MotionController{
		link:     link,
		geometry: geometry,
		logger:   logging.GetLogger("motion_controller"),
	}
}

// Geometry returns the rig constants the controller solves against.
func (mc *MotionController) Geometry() types.RigGeometry {
	return mc.geometry
}

// Angles returns the last realized joint angles.
func (mc *MotionController) Angles() types.JointAngles {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.angles
}

// roundTrip must be called with mc.mu held.
func (mc *MotionController) roundTrip(ctx context.Context, line string) (string, error) {
	resp, err := mc.link.RoundTrip(ctx, line)
	if err != nil {
		return "", &TransportError{Command: line, Err: err}
	}
	return resp, nil
}

// MoveTo 移动到指定关节角度，并以设备回报的实际角度更新状态
func (mc *MotionController) MoveTo(ctx context.Context, target types.JointAngles) (types.JointAngles, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	resp, err := mc.roundTrip(ctx, lineproto.Move(target))
	if err != nil {
		return mc.angles, err
	}

	realized, err := lineproto.ParseAngles(resp)
	if err != nil {
		return mc.angles, err
	}

	mc.logger.Debug("Moved", "requested", target, "realized", realized)
	mc.angles = realized
	return realized, nil
}

// MoveToXY solves the point and moves there. Unreachable points are returned
// unchanged and nothing is sent.
func (mc *MotionController) MoveToXY(ctx context.Context, x, y float64) (types.JointAngles, error) {
	target, err := kinematics.Solve(x, y, mc.geometry)
	if err != nil {
		return mc.Angles(), err
	}
	return mc.MoveTo(ctx, target)
}

// Calibrate tells the device where the arms physically are. The response content
// is ignored; a completed round trip is enough to adopt the given angles.
func (mc *MotionController) Calibrate(ctx context.Context, angles types.JointAngles) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, err := mc.roundTrip(ctx, lineproto.Calibrate(angles)); err != nil {
		return err
	}

	mc.logger.Info("Calibrated", "angles", angles)
	mc.angles = angles
	return nil
}

// SetSpeed 设置电机转速
func (mc *MotionController) SetSpeed(ctx context.Context, rpm float64) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	_, err := mc.roundTrip(ctx, lineproto.SetSpeed(rpm))
	return err
}

// ZeroAngles asks the device to treat its current position as zero. The host
// side angles are left as they are.
func (mc *MotionController) ZeroAngles(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	_, err := mc.roundTrip(ctx, lineproto.Zero())
	return err
}

// ResetHead moves both arms back to angle 0.
func (mc *MotionController) ResetHead(ctx context.Context) (types.JointAngles, error) {
	return mc.MoveTo(ctx, types.JointAngles{})
}

// Burst 批量发送：先全部求解，任何一点不可达则不发送
func (mc *MotionController) Burst(ctx context.Context, points []types.WorkspacePoint) (types.JointAngles, error) {
	if len(points) == 0 {
		return mc.Angles(), fmt.Errorf("burst needs at least one point")
	}

	targets := make([]types.JointAngles, 0, len(points))
	for _, p := range points {
		a, err := kinematics.Solve(p.X, p.Y, mc.geometry)
		if err != nil {
			return mc.Angles(), err
		}
		targets = append(targets, a)
	}

	line, err := lineproto.Burst(targets)
	if err != nil {
		return mc.Angles(), err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	resp, err := mc.roundTrip(ctx, line)
	if err != nil {
		return mc.angles, err
	}

	realized, err := lineproto.ParseAngles(resp)
	if err != nil {
		return mc.angles, err
	}

	mc.logger.Debug("Burst done", "points", len(points), "realized", realized)
	mc.angles = realized
	return realized, nil
}

// Raw sends an operator supplied line and returns the response verbatim. State
// is not touched, whatever the line did on the device.
func (mc *MotionController) Raw(ctx context.Context, line string) (string, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return mc.roundTrip(ctx, line)
}
