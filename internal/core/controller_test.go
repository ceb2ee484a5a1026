package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"plotter/internal/device"
	"plotter/internal/hardware/protocols/lineproto"
	"plotter/internal/kinematics"
	"plotter/pkg/types"
)

// scriptedLink answers through handle and records every line it was given.
type scriptedLink struct {
	mu     sync.Mutex
	lines  []string
	handle func(ctx context.Context, n int, line string) (string, error)
}

func (l *scriptedLink) RoundTrip(ctx context.Context, line string) (string, error) {
	l.mu.Lock()
	n := len(l.lines)
	l.lines = append(l.lines, line)
	handle := l.handle
	l.mu.Unlock()
	return handle(ctx, n, line)
}

func (l *scriptedLink) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func simLink(sim *device.Simulator) *scriptedLink {
	return &scriptedLink{handle: func(_ context.Context, _ int, line string) (string, error) {
		return sim.Handle(line), nil
	}}
}

func TestMoveToAdoptsRealizedAngles(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{Step: 0.5})
	mc := NewMotionController(simLink(sim), types.DefaultRigGeometry())

	got, err := mc.MoveTo(context.Background(), types.JointAngles{Alpha1: 10.2, Alpha2: 20.9})
	if err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	want := types.JointAngles{Alpha1: 10, Alpha2: 21}
	if got != want || mc.Angles() != want {
		t.Errorf("expected realized %v, got %v (state %v)", want, got, mc.Angles())
	}
}

func TestMalformedAckLeavesStateUnchanged(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	link := simLink(sim)
	mc := NewMotionController(link, types.DefaultRigGeometry())

	if _, err := mc.MoveTo(context.Background(), types.JointAngles{Alpha1: 30, Alpha2: 40}); err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	link.handle = func(context.Context, int, string) (string, error) { return "x1.00 r2.00", nil }

	_, err := mc.MoveTo(context.Background(), types.JointAngles{Alpha1: 1, Alpha2: 2})
	var perr *lineproto.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if got := mc.Angles(); got != (types.JointAngles{Alpha1: 30, Alpha2: 40}) {
		t.Errorf("angles changed after malformed ack: %v", got)
	}
}

func TestTransportErrorLeavesStateUnchanged(t *testing.T) {
	cause := errors.New("write failed")
	link := &scriptedLink{handle: func(context.Context, int, string) (string, error) { return "", cause }}
	mc := NewMotionController(link, types.DefaultRigGeometry())

	_, err := mc.MoveTo(context.Background(), types.JointAngles{Alpha1: 5, Alpha2: 5})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("TransportError should unwrap to the link error")
	}
	if terr.Command != "move l5 r5" {
		t.Errorf("unexpected command in error: %q", terr.Command)
	}
	if mc.Angles() != (types.JointAngles{}) {
		t.Errorf("angles changed after transport error: %v", mc.Angles())
	}

	if err := mc.Calibrate(context.Background(), types.JointAngles{Alpha1: 1, Alpha2: 1}); !errors.As(err, &terr) {
		t.Fatalf("expected TransportError from Calibrate, got %v", err)
	}
	if mc.Angles() != (types.JointAngles{}) {
		t.Errorf("failed calibration changed angles: %v", mc.Angles())
	}
}

func TestMoveToXYUnreachableSendsNothing(t *testing.T) {
	link := simLink(device.NewSimulator(device.SimulatorConfig{}))
	mc := NewMotionController(link, types.DefaultRigGeometry())

	_, err := mc.MoveToXY(context.Background(), 5000, 5000)
	var uerr *kinematics.UnreachablePointError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnreachablePointError, got %v", err)
	}
	if uerr.X != 5000 || uerr.Y != 5000 {
		t.Errorf("error should carry caller coordinates, got (%v, %v)", uerr.X, uerr.Y)
	}
	if len(link.Lines()) != 0 {
		t.Errorf("nothing should be sent, got %v", link.Lines())
	}
}

func TestMoveToXYSendsSolvedAngles(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	link := simLink(sim)
	g := types.DefaultRigGeometry()
	mc := NewMotionController(link, g)

	want, err := kinematics.Solve(40, 40, g)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if _, err := mc.MoveToXY(context.Background(), 40, 40); err != nil {
		t.Fatalf("MoveToXY failed: %v", err)
	}

	if lines := link.Lines(); len(lines) != 1 || lines[0] != lineproto.Move(want) {
		t.Errorf("expected %q, got %v", lineproto.Move(want), lines)
	}
}

func TestCalibrateIgnoresResponseContent(t *testing.T) {
	link := &scriptedLink{handle: func(context.Context, int, string) (string, error) { return "whatever", nil }}
	mc := NewMotionController(link, types.DefaultRigGeometry())

	a := types.JointAngles{Alpha1: 30.12, Alpha2: 45.67}
	if err := mc.Calibrate(context.Background(), a); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if mc.Angles() != a {
		t.Errorf("expected %v, got %v", a, mc.Angles())
	}
	if lines := link.Lines(); lines[0] != "calibrate l30.12 r45.67" {
		t.Errorf("unexpected command %q", lines[0])
	}
}

func TestBurst(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	link := simLink(sim)
	g := types.DefaultRigGeometry()
	mc := NewMotionController(link, g)

	points := []types.WorkspacePoint{{X: 10, Y: 10}, {X: 20, Y: 20}, {X: 30, Y: 30}}
	got, err := mc.Burst(context.Background(), points)
	if err != nil {
		t.Fatalf("Burst failed: %v", err)
	}

	last, _ := kinematics.Solve(30, 30, g)
	if diff(got.Alpha1, last.Alpha1) > 0.01 || diff(got.Alpha2, last.Alpha2) > 0.01 {
		t.Errorf("expected final angles near %v, got %v", last, got)
	}
	if mc.Angles() != got {
		t.Errorf("state %v does not match realized %v", mc.Angles(), got)
	}

	lines := link.Lines()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "bur") || len(lines[0]) != 3+len(points)*2*lineproto.BurstFieldWidth {
		t.Errorf("unexpected burst line %v", lines)
	}
}

func TestBurstUnreachableSendsNothing(t *testing.T) {
	link := simLink(device.NewSimulator(device.SimulatorConfig{}))
	mc := NewMotionController(link, types.DefaultRigGeometry())

	_, err := mc.Burst(context.Background(), []types.WorkspacePoint{{X: 10, Y: 10}, {X: -900, Y: 0}})
	var uerr *kinematics.UnreachablePointError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnreachablePointError, got %v", err)
	}
	if len(link.Lines()) != 0 {
		t.Errorf("nothing should be sent, got %v", link.Lines())
	}
}

func TestRawPassThrough(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	mc := NewMotionController(simLink(sim), types.DefaultRigGeometry())

	resp, err := mc.Raw(context.Background(), "move l10 r10")
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if resp != "l:10.00 r:10.00" {
		t.Errorf("unexpected response %q", resp)
	}
	if mc.Angles() != (types.JointAngles{}) {
		t.Errorf("raw command must not change state, got %v", mc.Angles())
	}
}

func TestResetHeadAndZero(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	link := simLink(sim)
	mc := NewMotionController(link, types.DefaultRigGeometry())

	if _, err := mc.MoveTo(context.Background(), types.JointAngles{Alpha1: 50, Alpha2: 60}); err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}
	if _, err := mc.ResetHead(context.Background()); err != nil {
		t.Fatalf("ResetHead failed: %v", err)
	}
	if mc.Angles() != (types.JointAngles{}) {
		t.Errorf("expected angles at 0 after reset, got %v", mc.Angles())
	}
	if err := mc.ZeroAngles(context.Background()); err != nil {
		t.Fatalf("ZeroAngles failed: %v", err)
	}
	if err := mc.SetSpeed(context.Background(), 120); err != nil {
		t.Fatalf("SetSpeed failed: %v", err)
	}

	want := []string{"move l50 r60", "move l0 r0", "zeroAngles", "setSpeed 120"}
	lines := link.Lines()
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
