package application

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plotter/internal/core"
	"plotter/internal/device"
	"plotter/internal/hardware/protocols/serial"
	"plotter/internal/session"
	"plotter/pkg/types"
)

type chanPublisher struct {
	events chan core.Event
}

func (p *chanPublisher) Publish(e core.Event) { p.events <- e }

type rig struct {
	sim      *device.Simulator
	router   *core.CommandRouter
	services *ServiceCoordinationLayer
	tasks    *TaskOrchestrationLayer
	events   *chanPublisher
	store    *session.Store
}

func newRig(t *testing.T, simConfig device.SimulatorConfig) *rig {
	t.Helper()

	sim := device.NewSimulator(simConfig)
	client := serial.NewSerialClientWithOpener(types.SerialConfig{
		PortName:      "sim",
		AckTimeout:    2 * time.Second,
		BannerTimeout: 200 * time.Millisecond,
	}, func(types.SerialConfig) (io.ReadWriteCloser, error) {
		return sim.Open(), nil
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	controller := core.NewMotionController(client, types.DefaultRigGeometry())
	store := session.NewStore(filepath.Join(t.TempDir(), "last_angles.txt"))
	events := &chanPublisher{events: make(chan core.Event, 1024)}

	execConfig := types.ExecutorConfig{Mode: types.ModeSequential, DefaultResolution: 1}
	services := NewServiceCoordinationLayer(controller, store, false)
	tasks := NewTaskOrchestrationLayer(core.NewDrawingExecutor(controller, execConfig), events, execConfig)
	if err := tasks.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tasks.Stop() })

	router := core.NewCommandRouter(tasks.Running)
	if err := router.RegisterHandler(NewConsoleLayer(services, tasks)); err != nil {
		t.Fatal(err)
	}

	return &rig{
		sim:      sim,
		router:   router,
		services: services,
		tasks:    tasks,
		events:   events,
		store:    store,
	}
}

func (r *rig) do(command types.ConsoleCommand, params map[string]interface{}) *types.ConsoleResponse {
	return r.router.RouteCommand(context.Background(), &types.ConsoleMessage{
		Command:   command,
		Params:    params,
		RequestID: "req-" + string(command),
	})
}

func writeGCode(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "job.gcode")
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return file
}

func TestMoveToTargetAndCurrentAngles(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{})

	resp := r.do(types.CmdMoveToTarget, map[string]interface{}{"x": 40.0, "y": "30"})
	if resp.Status != "success" {
		t.Fatalf("move failed: %s", resp.Error)
	}
	if resp.RequestID != "req-move" {
		t.Errorf("request id not echoed: %q", resp.RequestID)
	}

	at := r.sim.Angles()
	if math.Abs(resp.Data["alpha1"].(float64)-at.Alpha1) > 0.01 || math.Abs(resp.Data["alpha2"].(float64)-at.Alpha2) > 0.01 {
		t.Errorf("reported %v, device at %v", resp.Data, at)
	}

	where := r.do(types.CmdCurrentAngles, nil)
	if where.Data["alpha1"] != resp.Data["alpha1"] || where.Data["alpha2"] != resp.Data["alpha2"] {
		t.Errorf("where %v disagrees with move %v", where.Data, resp.Data)
	}
}

func TestUnreachableTargetIsReported(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{})

	resp := r.do(types.CmdMoveToTarget, map[string]interface{}{"x": 1000.0, "y": 1000.0})
	if resp.Status != "error" || resp.Data["kind"] != "unreachable" {
		t.Fatalf("expected unreachable error, got %+v", resp)
	}
	if len(r.sim.Commands()) != 0 {
		t.Errorf("nothing should reach the device, got %v", r.sim.Commands())
	}
	if r.services.CurrentAngles() != (types.JointAngles{}) {
		t.Errorf("angles changed: %v", r.services.CurrentAngles())
	}
}

func TestParameterErrors(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{})

	tests := []struct {
		command types.ConsoleCommand
		params  map[string]interface{}
		want    string
	}{
		{types.CmdMoveToTarget, map[string]interface{}{"x": 1.0}, "missing parameter: y"},
		{types.CmdMoveAngles, map[string]interface{}{"alpha1": "abc", "alpha2": 1.0}, "not a number"},
		{types.CmdMoveToTarget, map[string]interface{}{"x": "NaN", "y": 1.0}, "not a finite number"},
		{types.CmdMoveAngles, map[string]interface{}{"alpha1": 1.0, "alpha2": math.Inf(1)}, "not a finite number"},
		{types.CmdSetSpeed, map[string]interface{}{"rpm": -5.0}, "rpm must be positive"},
		{types.CmdStartJob, map[string]interface{}{}, "missing parameter: file"},
		{types.CmdRawCommand, map[string]interface{}{"line": "  "}, "missing parameter: line"},
		{types.CmdCancelJob, nil, core.ErrNoJob.Error()},
	}

	for _, tt := range tests {
		resp := r.do(tt.command, tt.params)
		if resp.Status != "error" || !strings.Contains(resp.Error, tt.want) {
			t.Errorf("%s: expected error containing %q, got %+v", tt.command, tt.want, resp)
		}
	}
}

func TestRawCommandAndZero(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{})

	resp := r.do(types.CmdRawCommand, map[string]interface{}{"line": "setSpeed 120"})
	if resp.Status != "success" || resp.Data["response"] != "speed 120" {
		t.Fatalf("unexpected raw response %+v", resp)
	}
	if r.sim.Speed() != 120 {
		t.Errorf("device speed %v", r.sim.Speed())
	}

	if resp := r.do(types.CmdZeroAngles, nil); resp.Status != "success" {
		t.Errorf("zero failed: %s", resp.Error)
	}
	if resp := r.do(types.CmdResetHead, nil); resp.Status != "success" || resp.Data["alpha1"] != 0.0 {
		t.Errorf("reset failed: %+v", resp)
	}
}

func TestDrawJobPublishesEveryPoint(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{})
	file := writeGCode(t, "G0 X10 Y10\nG1 X20 Y10\n")

	resp := r.do(types.CmdStartJob, map[string]interface{}{"file": file, "resolution": 1.0})
	if resp.Status != "success" {
		t.Fatalf("draw failed: %s", resp.Error)
	}
	jobID := resp.Data["job_id"].(string)

	r.tasks.GetExecutor().Wait()
	if err := r.tasks.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	close(r.events.events)

	var points []types.DrawnPoint
	var finished *core.JobEvent
	for e := range r.events.events {
		switch ev := e.(type) {
		case *core.PointEvent:
			points = append(points, ev.Point)
		case *core.JobEvent:
			if ev.Type() == core.EventTypeJobFinished {
				finished = ev
			}
		}
	}

	if len(points) != 11 {
		t.Fatalf("expected 11 drawn points, got %d", len(points))
	}
	for i, p := range points {
		if p.JobID != jobID || p.Seq != i {
			t.Errorf("point %d: unexpected %+v", i, p)
		}
	}
	if last := points[len(points)-1].Point; last != (types.WorkspacePoint{X: 20, Y: 10}) {
		t.Errorf("last segment missing, final point %v", last)
	}
	if finished == nil || finished.Status != types.JobCompleted || finished.Sent != 11 {
		t.Errorf("unexpected finish event %+v", finished)
	}

	status := r.do(types.CmdJobStatus, nil)
	if status.Data["status"] != "completed" || status.Data["sent"] != 11 {
		t.Errorf("unexpected status %v", status.Data)
	}
}

func TestManualCommandsRefusedWhileDrawing(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{Latency: 20 * time.Millisecond})
	file := writeGCode(t, "G0 X10 Y10\nG1 X40 Y10\n")

	if resp := r.do(types.CmdStartJob, map[string]interface{}{"file": file}); resp.Status != "success" {
		t.Fatalf("draw failed: %s", resp.Error)
	}

	for _, cmd := range []types.ConsoleCommand{types.CmdMoveToTarget, types.CmdResetHead, types.CmdRawCommand} {
		resp := r.do(cmd, map[string]interface{}{"x": 1.0, "y": 1.0, "line": "zeroAngles"})
		if resp.Status != "error" || resp.Data["kind"] != "busy" {
			t.Errorf("%s: expected busy refusal, got %+v", cmd, resp)
		}
	}
	if resp := r.do(types.CmdStartJob, map[string]interface{}{"file": file}); resp.Status != "error" {
		t.Error("second job should be refused")
	}

	if resp := r.do(types.CmdCancelJob, nil); resp.Status != "success" {
		t.Fatalf("cancel failed: %s", resp.Error)
	}
	r.tasks.GetExecutor().Wait()

	status := r.do(types.CmdJobStatus, nil)
	if status.Data["status"] != "cancelled" {
		t.Errorf("expected cancelled job, got %v", status.Data)
	}
	if resp := r.do(types.CmdMoveToTarget, map[string]interface{}{"x": 1.0, "y": 1.0}); resp.Status != "success" {
		t.Errorf("move after cancel failed: %s", resp.Error)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	r := newRig(t, device.SimulatorConfig{})

	if resp := r.do(types.CmdMoveAngles, map[string]interface{}{"alpha1": 33.5, "alpha2": 61.25}); resp.Status != "success" {
		t.Fatalf("angles failed: %s", resp.Error)
	}
	if err := r.services.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	next := newRig(t, device.SimulatorConfig{})
	restarted := NewServiceCoordinationLayer(next.services.GetController(), r.store, false)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := types.JointAngles{Alpha1: 33.5, Alpha2: 61.25}
	if got := restarted.CurrentAngles(); got != want {
		t.Errorf("expected restored %v, got %v", want, got)
	}
	if cmds := next.sim.Commands(); len(cmds) != 1 || !strings.HasPrefix(cmds[0], "calibrate ") {
		t.Errorf("expected a single calibrate, got %v", cmds)
	}
	if result := r.store.Load(); result.Status != session.NotFound {
		t.Errorf("snapshot should be consumed, got %s", result.Status)
	}
}
