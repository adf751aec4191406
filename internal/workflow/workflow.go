// Package workflow runs discovery jobs as Temporal workflows so a job
// survives API restarts and is processed by dedicated workers.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/orchestrator"
)

// SignalCancel requests cooperative cancellation of a running job.
const SignalCancel = "cancel"

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "dm-finder-jobs"

const (
	runJobTimeout     = 24 * time.Hour
	runJobHeartbeat   = 2 * time.Minute
	heartbeatInterval = 30 * time.Second
	cancelJobTimeout  = 30 * time.Second
)

// JobInput identifies the job a workflow processes.
type JobInput struct {
	JobID string
}

// WorkflowID is the deterministic workflow id for a job, so a job can only
// be dispatched once at a time.
func WorkflowID(jobID string) string { return "job-" + jobID }

// RunJobWorkflow processes one job. A cancel signal marks the job for
// cancellation; the running activity stops at its next checkpoint.
func RunJobWorkflow(ctx workflow.Context, in JobInput) error {
	logger := workflow.GetLogger(ctx)
	var acts *Activities

	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: runJobTimeout,
		HeartbeatTimeout:    runJobHeartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})
	cancelCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cancelJobTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	})

	signalCh := workflow.GetSignalChannel(ctx, SignalCancel)
	workflow.Go(ctx, func(gctx workflow.Context) {
		signalCh.Receive(gctx, nil)
		logger.Info("cancel signal received", "job_id", in.JobID)
		if err := workflow.ExecuteActivity(cancelCtx, acts.CancelJob, in).Get(gctx, nil); err != nil {
			logger.Warn("cancel activity failed", "job_id", in.JobID, "error", err)
		}
	})

	if err := workflow.ExecuteActivity(runCtx, acts.RunJob, in).Get(ctx, nil); err != nil {
		logger.Error("run activity failed", "job_id", in.JobID, "error", err)
		return err
	}
	logger.Info("job workflow complete", "job_id", in.JobID)
	return nil
}

// Jobs is the orchestrator surface the activities drive.
type Jobs interface {
	Run(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// Activities hosts the job activities on a worker.
type Activities struct {
	jobs Jobs
}

// NewActivities creates the activity set.
func NewActivities(jobs Jobs) *Activities {
	return &Activities{jobs: jobs}
}

// RunJob processes the job, heartbeating until it returns.
func (a *Activities) RunJob(ctx context.Context, in JobInput) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return a.jobs.Run(ctx, in.JobID)
}

// CancelJob sets the job's cancel flag. A job that already finished is not
// an error.
func (a *Activities) CancelJob(ctx context.Context, in JobInput) error {
	err := a.jobs.Cancel(ctx, in.JobID)
	if errors.Is(err, orchestrator.ErrJobTerminal) {
		return nil
	}
	return err
}

// NewWorker registers the workflow and activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(RunJobWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Dial connects to the Temporal frontend.
func Dial(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{HostPort: hostPort, Namespace: namespace})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial temporal %s", hostPort)
	}
	return c, nil
}

// starter is the part of client.Client the dispatcher uses.
type starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
}

// Dispatcher starts job workflows on a Temporal cluster.
type Dispatcher struct {
	client    starter
	taskQueue string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(c starter, taskQueue string) *Dispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Dispatcher{client: c, taskQueue: taskQueue}
}

func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(jobID),
		TaskQueue: d.taskQueue,
	}, RunJobWorkflow, JobInput{JobID: jobID})
	if err != nil {
		return eris.Wrapf(err, "workflow: start job %s", jobID)
	}
	zap.L().Info("workflow: job dispatched",
		zap.String("job_id", jobID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// Cancel signals the job's workflow.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if err := d.client.SignalWorkflow(ctx, WorkflowID(jobID), "", SignalCancel, nil); err != nil {
		return eris.Wrapf(err, "workflow: signal cancel %s", jobID)
	}
	return nil
}

var _ orchestrator.Dispatcher = (*Dispatcher)(nil)
