package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher starts processing of a submitted job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// LocalDispatcher runs jobs on goroutines in this process. Runs use the
// base context given at construction, not the request context.
type LocalDispatcher struct {
	orch *Orchestrator
	base context.Context
	wg   sync.WaitGroup
}

// NewLocalDispatcher creates a LocalDispatcher. Cancelling base interrupts
// running jobs; they are then left for the stale sweeper.
func NewLocalDispatcher(base context.Context, orch *Orchestrator) *LocalDispatcher {
	return &LocalDispatcher{orch: orch, base: base}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.orch.Run(d.base, jobID); err != nil {
			zap.L().Error("orchestrator: local run failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
