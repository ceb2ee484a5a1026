package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"plotter/internal/core"
	"plotter/internal/logging"
	"plotter/internal/path"
	"plotter/pkg/types"
)

// TaskOrchestrationLayer turns path sources into drawing jobs and forwards every
// drawn point to the event publisher.
type TaskOrchestrationLayer struct {
	executor          *core.DrawingExecutor
	publisher         core.Publisher
	defaultResolution float64
	ctx               context.Context
	forwarders        sync.WaitGroup
	logger            *logging.Logger
}

func NewTaskOrchestrationLayer(executor *core.DrawingExecutor, publisher core.Publisher, config types.ExecutorConfig) *TaskOrchestrationLayer {
	executor.SetPublisher(publisher)
	return &TaskOrchestrationLayer{
		executor:          executor,
		publisher:         publisher,
		defaultResolution: config.DefaultResolution,
		ctx:               context.Background(),
		logger:            logging.GetLogger("task_orchestration"),
	}
}

// Start records the parent context for the jobs started later on.
func (tol *TaskOrchestrationLayer) Start(ctx context.Context) error {
	tol.ctx = ctx
	tol.logger.Info("Task Orchestration Layer started successfully")
	return nil
}

// Stop cancels the running job, if any, and waits until it and its point
// forwarder have finished.
func (tol *TaskOrchestrationLayer) Stop() error {
	tol.logger.Info("Stopping Task Orchestration Layer")

	if err := tol.executor.Cancel(); err != nil && !errors.Is(err, core.ErrNoJob) {
		return err
	}
	tol.executor.Wait()
	tol.forwarders.Wait()

	tol.logger.Info("Task Orchestration Layer stopped successfully")
	return nil
}

// StartJob reads source at the given resolution and starts drawing it. A zero
// resolution or empty mode falls back to the configured defaults.
func (tol *TaskOrchestrationLayer) StartJob(source path.Source, resolution float64, mode types.ExecutionMode) (*core.Job, error) {
	if tol.executor.Running() {
		return nil, core.ErrJobRunning
	}
	if resolution == 0 {
		resolution = tol.defaultResolution
	}

	points, err := source.Points(resolution)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source.Name(), err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%s contains no points", source.Name())
	}

	job, err := tol.executor.Start(tol.ctx, types.DrawJob{
		Points:     points,
		Resolution: resolution,
		Mode:       mode,
	})
	if err != nil {
		return nil, err
	}

	tol.logger.Info("Drawing job accepted", "job_id", job.ID(), "source", source.Name(), "points", len(points), "resolution", resolution)

	tol.forwarders.Add(1)
	go tol.forwardPoints(job)

	return job, nil
}

// forwardPoints drains the job's point queue until it is closed, so the last
// segment reaches the console too.
func (tol *TaskOrchestrationLayer) forwardPoints(job *core.Job) {
	defer tol.forwarders.Done()

	for {
		point, err := job.Points().Next(context.Background())
		if err != nil {
			return
		}
		if tol.publisher != nil {
			tol.publisher.Publish(core.NewPointEvent("task_orchestration", point))
		}
	}
}

// CancelJob requests cancellation of the running job.
func (tol *TaskOrchestrationLayer) CancelJob() error {
	return tol.executor.Cancel()
}

// Running reports whether a job is in progress.
func (tol *TaskOrchestrationLayer) Running() bool {
	return tol.executor.Running()
}

// JobStatus describes the most recent job.
func (tol *TaskOrchestrationLayer) JobStatus() map[string]interface{} {
	job := tol.executor.Current()
	if job == nil {
		return map[string]interface{}{"status": types.JobIdle.String()}
	}

	status := map[string]interface{}{
		"job_id": job.ID(),
		"mode":   string(job.Mode()),
		"status": job.Status().String(),
		"sent":   job.Sent(),
	}
	if err := job.Err(); err != nil {
		status["error"] = err.Error()
	}
	return status
}

// GetExecutor returns the drawing executor
func (tol *TaskOrchestrationLayer) GetExecutor() *core.DrawingExecutor {
	return tol.executor
}
