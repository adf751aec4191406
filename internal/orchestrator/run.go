package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dm-finder/internal/cost"
	"github.com/sells-group/dm-finder/internal/credits"
	"github.com/sells-group/dm-finder/internal/discovery"
	"github.com/sells-group/dm-finder/internal/events"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
	"github.com/sells-group/dm-finder/internal/store"
)

var errNotProcessing = eris.New("orchestrator: job is no longer processing")

// run is the mutable state of one Run call. Rows and options come from the
// job loaded at claim time; counters come from the latest checkpoint.
type run struct {
	o    *Orchestrator
	job  *model.Job
	unit int
	log  *zap.Logger

	mu        sync.Mutex
	last      *model.Job
	stop      *model.StopReason
	capped    bool
	abandoned bool
	failed    bool
}

func newRun(o *Orchestrator, job *model.Job, log *zap.Logger) *run {
	return &run{
		o:    o,
		job:  job,
		unit: credits.UnitCost(job.Options, o.cfg.Pricing),
		log:  log,
		last: job,
	}
}

// execute dispatches rows until they run out or the run halts. Rows in
// flight when the run halts are allowed to drain. The first storage error
// halts the run and is returned.
func (r *run) execute(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(r.o.cfg.Concurrency)

	for _, row := range r.job.Rows {
		if r.halted() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !r.admit(ctx) {
				return nil
			}
			if err := r.process(ctx, row); err != nil {
				r.fail()
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// admit runs the between-row checks: cancellation, per-job cap and balance.
func (r *run) admit(ctx context.Context) bool {
	if r.halted() || ctx.Err() != nil {
		return false
	}
	if r.remaining() <= 0 {
		r.mu.Lock()
		r.capped = true
		r.mu.Unlock()
		r.log.Info("orchestrator: contact cap reached")
		return false
	}

	raised, err := r.o.signal.Raised(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("orchestrator: cancel check failed", zap.Error(err))
	} else if raised {
		r.halt(model.StopReasonCancelled)
		return false
	}

	balance, err := r.o.ledger.Balance(ctx, r.job.UserID)
	if err != nil {
		// The checkpoint debit is authoritative; keep going.
		r.log.Warn("orchestrator: balance check failed", zap.Error(err))
	} else if balance < r.unit {
		r.log.Info("orchestrator: balance below unit cost",
			zap.Int("balance", balance),
			zap.Int("unit_cost", r.unit),
		)
		r.halt(model.StopReasonCreditsExhausted)
		return false
	}
	return true
}

// process runs discovery for one row and checkpoints it. A row-level
// failure is logged and checkpointed with zero results; only checkpoint
// failures are returned.
func (r *run) process(ctx context.Context, row model.CompanyRow) error {
	limit := min(r.job.Options.MaxContactsPerCompany, r.remaining())
	if limit <= 0 {
		return nil
	}
	out, err := r.o.engine.Discover(ctx, row, r.job.Options, limit)
	if out == nil {
		out = &discovery.Outcome{}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("orchestrator: row failed",
			zap.Int("row", row.Index),
			zap.String("stage", string(discovery.StageOf(err))),
			zap.String("class", string(resilience.ClassifyError(err))),
			zap.Error(err),
		)
		out.Candidates = nil
	}
	return r.checkpoint(ctx, row, out)
}

// checkpoint commits one row atomically: debit, results (trimmed to the
// per-job cap), counters and costs. If the debit cannot be covered the whole
// row is rolled back and the run stops with credits_exhausted; only the
// row's external usage is recorded.
func (r *run) checkpoint(ctx context.Context, row model.CompanyRow, out *discovery.Outcome) error {
	log := r.log.With(zap.Int("row", row.Index))
	now := r.o.now()
	if r.isCancelled() {
		log.Info("orchestrator: discarding row finished after cancellation")
		return r.recordUsage(ctx, out.Usage, now)
	}

	results := out.DecisionMakers(r.job.ID, row, now)
	var saved *model.Job
	err := r.o.store.InTx(ctx, func(tx store.Tx) error {
		job, err := tx.LockJob(ctx, r.job.ID)
		if err != nil {
			return err
		}
		if job.Status != model.JobStatusProcessing {
			return errNotProcessing
		}
		if err := tx.LockCreditAccount(ctx, job.UserID); err != nil {
			return err
		}
		if err := r.o.ledger.DebitTx(ctx, tx, job.UserID, r.unit, job.ID); err != nil {
			return err
		}

		if n := job.RemainingContacts(); len(results) > n {
			results = results[:n]
		}
		if err := tx.InsertResults(ctx, results); err != nil {
			return err
		}
		job.ProcessedCompanies++
		job.DecisionMakersFound += len(results)
		job.CreditsSpent += r.unit
		r.addUsage(job, out.Usage)
		job.UpdatedAt = now
		if err := tx.SaveProgress(ctx, job); err != nil {
			return err
		}
		saved = job
		return nil
	})

	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		log.Info("orchestrator: credits exhausted, row rolled back", zap.Int("unit_cost", r.unit))
		r.halt(model.StopReasonCreditsExhausted)
		return r.recordUsage(ctx, out.Usage, now)
	case errors.Is(err, errNotProcessing):
		r.mu.Lock()
		r.abandoned = true
		r.mu.Unlock()
		return nil
	case err != nil:
		return eris.Wrapf(err, "orchestrator: checkpoint row %d", row.Index)
	}

	r.observe(saved)
	log.Debug("orchestrator: row checkpointed",
		zap.Int("results", len(results)),
		zap.Int("processed", saved.ProcessedCompanies),
	)
	rowEvent := events.FromJob(events.JobRowCompleted, saved, now)
	rowEvent.RowIndex = &row.Index
	events.Emit(ctx, r.o.events, rowEvent)
	return nil
}

// recordUsage books the external usage of a row that was rolled back or
// discarded, so cost totals reflect every call made.
func (r *run) recordUsage(ctx context.Context, u model.Usage, now time.Time) error {
	if u == (model.Usage{}) {
		return nil
	}
	var saved *model.Job
	err := r.o.store.InTx(ctx, func(tx store.Tx) error {
		job, err := tx.LockJob(ctx, r.job.ID)
		if err != nil {
			return err
		}
		if job.Status != model.JobStatusProcessing {
			return nil
		}
		r.addUsage(job, u)
		job.UpdatedAt = now
		if err := tx.SaveProgress(ctx, job); err != nil {
			return err
		}
		saved = job
		return nil
	})
	if err != nil {
		return eris.Wrap(err, "orchestrator: record usage")
	}
	if saved != nil {
		r.observe(saved)
	}
	return nil
}

func (r *run) addUsage(job *model.Job, u model.Usage) {
	total := cost.UsageOf(job.Costs)
	total.Add(u)
	job.Costs = r.o.calc.JobCosts(total, job.DecisionMakersFound)
}

// observe takes the counters and cancel flag from a committed checkpoint.
func (r *run) observe(job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = job
	if job.RemainingContacts() <= 0 {
		r.capped = true
	}
	if job.CancelRequested && r.stop == nil {
		reason := model.StopReasonCancelled
		r.stop = &reason
	}
}

// halt records the first stop reason; later ones are ignored.
func (r *run) halt(reason model.StopReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		r.stop = &reason
	}
}

// fail marks the run as aborted by a storage error.
func (r *run) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
}

func (r *run) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil || r.capped || r.abandoned || r.failed
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil && *r.stop == model.StopReasonCancelled
}

func (r *run) isAbandoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abandoned
}

func (r *run) stopReason() *model.StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop
}

func (r *run) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last.RemainingContacts()
}

// snapshot returns a copy of the latest committed counters.
func (r *run) snapshot() *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.last
	cp.Rows = nil
	return &cp
}
