package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"plotter/internal/device"
	"plotter/internal/hardware/protocols/lineproto"
	"plotter/pkg/types"
)

func linePoints(n int) []types.WorkspacePoint {
	points := make([]types.WorkspacePoint, n)
	for i := range points {
		points[i] = types.WorkspacePoint{X: 10 + float64(i), Y: 20 + float64(i)/2}
	}
	return points
}

func collect(t *testing.T, q *Queue[types.DrawnPoint]) []types.DrawnPoint {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []types.DrawnPoint
	for {
		p, err := q.Next(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("point queue not closed: %v", err)
		}
		out = append(out, p)
	}
}

func waitJob(t *testing.T, j *Job) error {
	t.Helper()
	select {
	case <-j.Done():
		return j.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
		return nil
	}
}

func countPrefix(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	events chan Event
}

func (p *recordingPublisher) Publish(e Event) { p.events <- e }

func TestSequentialJob(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	link := simLink(sim)
	mc := NewMotionController(link, types.DefaultRigGeometry())
	exec := NewDrawingExecutor(mc, types.ExecutorConfig{})

	pub := &recordingPublisher{events: make(chan Event, 4)}
	exec.SetPublisher(pub)

	points := linePoints(7)
	job, err := exec.Start(context.Background(), types.DrawJob{Points: points})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if job.ID() == "" {
		t.Error("expected a generated job id")
	}

	drawn := collect(t, job.Points())
	if err := waitJob(t, job); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	if job.Status() != types.JobCompleted || exec.Status() != types.JobCompleted {
		t.Errorf("expected completed, got %s", job.Status())
	}
	if len(drawn) != len(points) {
		t.Fatalf("expected %d drawn points, got %d", len(points), len(drawn))
	}
	for i, p := range drawn {
		if p.Seq != i || p.Point != points[i] || p.JobID != job.ID() {
			t.Errorf("point %d out of order or mislabelled: %+v", i, p)
		}
	}

	lines := link.Lines()
	if lines[0] != "setSpeed 350" {
		t.Errorf("expected ramp-up first, got %q", lines[0])
	}
	if countPrefix(lines, "move ") != len(points) {
		t.Errorf("expected %d moves, got %v", len(points), lines)
	}

	started := <-pub.events
	finished := <-pub.events
	if started.Type() != EventTypeJobStarted || finished.Type() != EventTypeJobFinished {
		t.Errorf("unexpected events %s, %s", started.Type(), finished.Type())
	}
	if fe := finished.(*JobEvent); fe.Status != types.JobCompleted || fe.Sent != len(points) {
		t.Errorf("unexpected finish event %+v", fe)
	}
}

func TestBatchedJobTailPolicy(t *testing.T) {
	tests := []struct {
		name      string
		tail      types.TailPolicy
		wantBurst int
		wantDrawn int
	}{
		{"drop", types.TailDrop, 2, 10},
		{"flush", types.TailFlush, 3, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := device.NewSimulator(device.SimulatorConfig{})
			link := simLink(sim)
			mc := NewMotionController(link, types.DefaultRigGeometry())
			exec := NewDrawingExecutor(mc, types.ExecutorConfig{Mode: types.ModeBatched, BatchSize: 5, TailPolicy: tt.tail})

			job, err := exec.Start(context.Background(), types.DrawJob{Points: linePoints(12)})
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			drawn := collect(t, job.Points())
			if err := waitJob(t, job); err != nil {
				t.Fatalf("job failed: %v", err)
			}

			if got := countPrefix(link.Lines(), lineproto.CmdBurst); got != tt.wantBurst {
				t.Errorf("expected %d bursts, got %d", tt.wantBurst, got)
			}
			if len(drawn) != tt.wantDrawn || job.Sent() != tt.wantDrawn {
				t.Errorf("expected %d drawn and sent, got %d drawn, %d sent", tt.wantDrawn, len(drawn), job.Sent())
			}
		})
	}
}

func TestCancelStopsAfterInFlightRoundTrip(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	entered := make(chan struct{})
	release := make(chan struct{})
	inFlightErr := make(chan error, 1)

	moves := 0
	link := &scriptedLink{handle: func(ctx context.Context, _ int, line string) (string, error) {
		if strings.HasPrefix(line, "move") {
			moves++
			if moves == 3 {
				close(entered)
				<-release
				inFlightErr <- ctx.Err()
			}
		}
		return sim.Handle(line), nil
	}}

	mc := NewMotionController(link, types.DefaultRigGeometry())
	exec := NewDrawingExecutor(mc, types.ExecutorConfig{})

	job, err := exec.Start(context.Background(), types.DrawJob{Points: linePoints(10)})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-entered
	if err := exec.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	if err := waitJob(t, job); err != nil {
		t.Fatalf("cancelled job reported error: %v", err)
	}
	if err := <-inFlightErr; err != nil {
		t.Errorf("in-flight round trip saw cancellation: %v", err)
	}

	if job.Status() != types.JobCancelled {
		t.Errorf("expected cancelled, got %s", job.Status())
	}
	if job.Sent() != 3 {
		t.Errorf("expected 3 points sent, got %d", job.Sent())
	}
	if got := countPrefix(link.Lines(), "move"); got != 3 {
		t.Errorf("no move may follow the in-flight one, saw %d", got)
	}
	if drawn := collect(t, job.Points()); len(drawn) != 3 {
		t.Errorf("expected 3 drawn points, got %d", len(drawn))
	}
}

func TestErrorTerminatesJob(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	moves := 0
	link := &scriptedLink{handle: func(_ context.Context, _ int, line string) (string, error) {
		if strings.HasPrefix(line, "move") {
			moves++
			if moves == 3 {
				return "garbage", nil
			}
		}
		return sim.Handle(line), nil
	}}

	mc := NewMotionController(link, types.DefaultRigGeometry())
	exec := NewDrawingExecutor(mc, types.ExecutorConfig{})

	job, err := exec.Start(context.Background(), types.DrawJob{Points: linePoints(6)})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	drawn := collect(t, job.Points())
	err = waitJob(t, job)

	var perr *lineproto.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if job.Status() != types.JobFailed {
		t.Errorf("expected failed, got %s", job.Status())
	}
	if len(drawn) != 2 {
		t.Errorf("expected 2 drawn points before the failure, got %d", len(drawn))
	}
	if got := countPrefix(link.Lines(), "move"); got != 3 {
		t.Errorf("job must stop at the failing point, saw %d moves", got)
	}
}

func TestUnreachablePointFailsJob(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	mc := NewMotionController(simLink(sim), types.DefaultRigGeometry())
	exec := NewDrawingExecutor(mc, types.ExecutorConfig{})

	points := append(linePoints(2), types.WorkspacePoint{X: 4000, Y: 0})
	job, err := exec.Start(context.Background(), types.DrawJob{Points: points})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := waitJob(t, job); err == nil {
		t.Fatal("expected the job to fail")
	}
	if job.Status() != types.JobFailed || job.Sent() != 2 {
		t.Errorf("unexpected outcome %s with %d sent", job.Status(), job.Sent())
	}
}

func TestOneJobAtATime(t *testing.T) {
	sim := device.NewSimulator(device.SimulatorConfig{})
	release := make(chan struct{})
	link := &scriptedLink{handle: func(_ context.Context, _ int, line string) (string, error) {
		if strings.HasPrefix(line, lineproto.CmdSetSpeed) {
			<-release
		}
		return sim.Handle(line), nil
	}}
	mc := NewMotionController(link, types.DefaultRigGeometry())
	exec := NewDrawingExecutor(mc, types.ExecutorConfig{})

	if err := exec.Cancel(); !errors.Is(err, ErrNoJob) {
		t.Errorf("expected ErrNoJob when idle, got %v", err)
	}
	if exec.Status() != types.JobIdle {
		t.Errorf("expected idle, got %s", exec.Status())
	}

	job, err := exec.Start(context.Background(), types.DrawJob{Points: linePoints(2)})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !exec.Running() {
		t.Error("expected executor to report running")
	}
	if _, err := exec.Start(context.Background(), types.DrawJob{Points: linePoints(2)}); !errors.Is(err, ErrJobRunning) {
		t.Errorf("expected ErrJobRunning, got %v", err)
	}

	close(release)
	waitJob(t, job)
	exec.Wait()

	if exec.Running() {
		t.Error("executor still running after job finished")
	}
	if err := exec.Cancel(); !errors.Is(err, ErrNoJob) {
		t.Errorf("expected ErrNoJob after completion, got %v", err)
	}
}

func TestStartRejectsBadJob(t *testing.T) {
	mc := NewMotionController(simLink(device.NewSimulator(device.SimulatorConfig{})), types.DefaultRigGeometry())
	exec := NewDrawingExecutor(mc, types.ExecutorConfig{})

	if _, err := exec.Start(context.Background(), types.DrawJob{Mode: "spiral"}); err == nil {
		t.Error("expected unknown mode to be rejected")
	}
	if _, err := exec.Start(context.Background(), types.DrawJob{Mode: types.ModeBatched, BatchSize: -1}); err == nil {
		t.Error("expected negative batch size to be rejected")
	}
	if exec.Running() {
		t.Error("rejected job must not run")
	}
}

func TestBatches(t *testing.T) {
	points := linePoints(7)

	tests := []struct {
		size  int
		tail  types.TailPolicy
		sizes []int
	}{
		{5, types.TailDrop, []int{5}},
		{5, types.TailFlush, []int{5, 2}},
		{7, types.TailDrop, []int{7}},
		{10, types.TailDrop, nil},
		{10, types.TailFlush, []int{7}},
		{1, types.TailDrop, []int{1, 1, 1, 1, 1, 1, 1}},
	}

	for _, tt := range tests {
		groups := Batches(points, tt.size, tt.tail)
		if len(groups) != len(tt.sizes) {
			t.Errorf("Batches(7, %d, %s): expected %d groups, got %d", tt.size, tt.tail, len(tt.sizes), len(groups))
			continue
		}
		for i, g := range groups {
			if len(g) != tt.sizes[i] {
				t.Errorf("Batches(7, %d, %s): group %d has %d points, want %d", tt.size, tt.tail, i, len(g), tt.sizes[i])
			}
		}
	}
}
