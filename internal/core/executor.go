package core

import (
	"context"
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"plotter/internal/logging"
	"plotter/pkg/types"
)

const (
	DefaultBatchSize = 5
	DefaultRampRPM   = 350
)

// Job 一次绘图任务的句柄
type Job struct {
	id     string
	mode   types.ExecutionMode
	points *Queue[types.DrawnPoint]
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status types.JobStatus
	sent   int
	err    error
}

func (j *Job) ID() string { return j.id }

func (j *Job) Mode() types.ExecutionMode { return j.mode }

// Points is the stream of reached points. It is closed when the job terminates,
// after the last point has been pushed.
func (j *Job) Points() *Queue[types.DrawnPoint] { return j.points }

func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel requests a stop at the next unit boundary.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job terminates and returns the error that ended it.
func (j *Job) Wait() error {
	<-j.done
	return j.Err()
}

func (j *Job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Sent returns how many points have been transmitted and acknowledged.
func (j *Job) Sent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sent
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) addSent(n int) {
	j.mu.Lock()
	j.sent += n
	j.mu.Unlock()
}

func (j *Job) finish(status types.JobStatus, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.mu.Unlock()

	j.points.Close()
	close(j.done)
}

// DrawingExecutor 绘图执行器：后台逐点或逐批驱动运动控制器，同一时刻最多一个任务
type DrawingExecutor struct {
	controller *MotionController
	config     types.ExecutorConfig
	publisher  Publisher

	mu      sync.Mutex
	current *Job
	wg      sync.WaitGroup

	logger *logging.Logger
}

func NewDrawingExecutor(controller *MotionController, config types.ExecutorConfig) *DrawingExecutor {
	return &DrawingExecutor{
		controller: controller,
		config:     config,
		logger:     logging.GetLogger("drawing_executor"),
	}
}

// SetPublisher attaches a sink for job lifecycle events.
func (de *DrawingExecutor) SetPublisher(p Publisher) {
	de.mu.Lock()
	defer de.mu.Unlock()
	de.publisher = p
}

// Start launches job in the background. ctx bounds the whole job: cancelling it
// has the same effect as Cancel.
func (de *DrawingExecutor) Start(ctx context.Context, job types.DrawJob) (*Job, error) {
	de.mu.Lock()
	defer de.mu.Unlock()

	if de.current != nil && !de.current.Status().Terminal() {
		return nil, ErrJobRunning
	}

	job = de.withDefaults(job)
	if job.Mode != types.ModeSequential && job.Mode != types.ModeBatched {
		return nil, fmt.Errorf("unknown execution mode %q", job.Mode)
	}
	if job.Mode == types.ModeBatched && job.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", job.BatchSize)
	}
	if job.TailPolicy != types.TailDrop && job.TailPolicy != types.TailFlush {
		return nil, fmt.Errorf("unknown tail policy %q", job.TailPolicy)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:     job.ID,
		mode:   job.Mode,
		points: NewQueue[types.DrawnPoint](),
		cancel: cancel,
		done:   make(chan struct{}),
		status: types.JobRunning,
	}
	de.current = j

	de.logger.Info("Starting drawing job", "job_id", j.id, "points", len(job.Points), "mode", job.Mode, "batch_size", job.BatchSize)
	de.publish(NewJobEvent(EventTypeJobStarted, "drawing_executor", j.id, types.JobRunning, 0, nil))

	de.wg.Add(1)
	go de.run(jobCtx, j, job)

	return j, nil
}

func (de *DrawingExecutor) withDefaults(job types.DrawJob) types.DrawJob {
	if job.ID == "" {
		job.ID = uuid.NewV4().String()
	}
	if job.Mode == "" {
		job.Mode = de.config.Mode
		if job.Mode == "" {
			job.Mode = types.ModeSequential
		}
	}
	if job.BatchSize == 0 {
		job.BatchSize = de.config.BatchSize
		if job.BatchSize == 0 {
			job.BatchSize = DefaultBatchSize
		}
	}
	if job.TailPolicy == "" {
		job.TailPolicy = de.config.TailPolicy
		if job.TailPolicy == "" {
			job.TailPolicy = types.TailDrop
		}
	}
	return job
}

// Cancel 取消当前任务
func (de *DrawingExecutor) Cancel() error {
	de.mu.Lock()
	j := de.current
	de.mu.Unlock()

	if j == nil || j.Status().Terminal() {
		return ErrNoJob
	}
	j.Cancel()
	de.logger.Info("Cancellation requested", "job_id", j.id)
	return nil
}

// Current returns the most recent job, running or not.
func (de *DrawingExecutor) Current() *Job {
	de.mu.Lock()
	defer de.mu.Unlock()
	return de.current
}

// Running reports whether a job is in progress.
func (de *DrawingExecutor) Running() bool {
	j := de.Current()
	return j != nil && !j.Status().Terminal()
}

// Status returns JobIdle when no job has been started yet.
func (de *DrawingExecutor) Status() types.JobStatus {
	j := de.Current()
	if j == nil {
		return types.JobIdle
	}
	return j.Status()
}

// Wait blocks until the background worker of every started job has exited.
func (de *DrawingExecutor) Wait() {
	de.wg.Wait()
}

func (de *DrawingExecutor) publish(event Event) {
	if de.publisher != nil {
		de.publisher.Publish(event)
	}
}

func (de *DrawingExecutor) run(ctx context.Context, j *Job, job types.DrawJob) {
	defer de.wg.Done()
	defer j.cancel()

	// Round trips finish even when the job is cancelled mid-flight; the ack
	// timeout is their only bound.
	linkCtx := context.WithoutCancel(ctx)

	rpm := de.config.RampRPM
	if rpm <= 0 {
		rpm = DefaultRampRPM
	}

	var (
		cancelled bool
		err       error
	)
	if err = de.controller.SetSpeed(linkCtx, rpm); err == nil {
		switch job.Mode {
		case types.ModeBatched:
			cancelled, err = de.runBatched(ctx, linkCtx, j, job)
		default:
			cancelled, err = de.runSequential(ctx, linkCtx, j, job)
		}
	}

	status := types.JobCompleted
	switch {
	case err != nil:
		status = types.JobFailed
		de.logger.Error("Drawing job failed", "job_id", j.id, "sent", j.Sent(), "error", err)
	case cancelled:
		status = types.JobCancelled
		de.logger.Info("Drawing job cancelled", "job_id", j.id, "sent", j.Sent())
	default:
		de.logger.Info("Drawing job completed", "job_id", j.id, "sent", j.Sent())
	}

	j.finish(status, err)

	de.mu.Lock()
	publisher := de.publisher
	de.mu.Unlock()
	if publisher != nil {
		publisher.Publish(NewJobEvent(EventTypeJobFinished, "drawing_executor", j.id, status, j.Sent(), err))
	}
}

func (de *DrawingExecutor) runSequential(ctx, linkCtx context.Context, j *Job, job types.DrawJob) (bool, error) {
	for i, p := range job.Points {
		if ctx.Err() != nil {
			return true, nil
		}
		if _, err := de.controller.MoveToXY(linkCtx, p.X, p.Y); err != nil {
			return false, fmt.Errorf("point %d (%.3f, %.3f): %w", i, p.X, p.Y, err)
		}
		j.addSent(1)
		j.points.Push(types.DrawnPoint{JobID: j.id, Seq: i, Point: p})
	}
	return false, nil
}

func (de *DrawingExecutor) runBatched(ctx, linkCtx context.Context, j *Job, job types.DrawJob) (bool, error) {
	seq := 0
	for _, group := range Batches(job.Points, job.BatchSize, job.TailPolicy) {
		if ctx.Err() != nil {
			return true, nil
		}
		if _, err := de.controller.Burst(linkCtx, group); err != nil {
			return false, fmt.Errorf("burst at point %d: %w", seq, err)
		}
		j.addSent(len(group))
		for _, p := range group {
			j.points.Push(types.DrawnPoint{JobID: j.id, Seq: seq, Point: p})
			seq++
		}
	}
	return false, nil
}

// Batches splits points into consecutive groups of size. With TailDrop the last
// len(points) mod size points are left out.
func Batches(points []types.WorkspacePoint, size int, tail types.TailPolicy) [][]types.WorkspacePoint {
	if size < 1 {
		return nil
	}
	var groups [][]types.WorkspacePoint
	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			if tail != types.TailFlush {
				break
			}
			end = len(points)
		}
		groups = append(groups, points[start:end])
	}
	return groups
}
