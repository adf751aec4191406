package orchestrator

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSweepSchedule is how often the sweeper looks for stale jobs.
const DefaultSweepSchedule = "@every 10m"

// Sweeper periodically fails jobs that stopped checkpointing.
type Sweeper struct {
	orch *Orchestrator
	cron *cron.Cron
	spec string
	wg   sync.WaitGroup
}

// NewSweeper creates a Sweeper running on the given cron schedule.
func NewSweeper(orch *Orchestrator, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		orch: orch,
		cron: cron.New(),
		spec: schedule,
	}
}

// Start registers the sweep and starts the scheduler. One sweep also runs
// immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Sweep(ctx) }); err != nil {
		return eris.Wrapf(err, "orchestrator: schedule sweeper %q", s.spec)
	}
	s.cron.Start()
	zap.L().Info("orchestrator: stale sweeper started", zap.String("schedule", s.spec))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Sweep(ctx)
	}()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Sweep runs one stale-job pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.orch.MarkStaleAsFailed(ctx, 0)
	if err != nil {
		zap.L().Error("orchestrator: stale sweep failed", zap.Error(err))
		return 0
	}
	if len(ids) > 0 {
		zap.L().Info("orchestrator: stale sweep", zap.Int("failed", len(ids)))
	}
	return len(ids)
}
