// Package orchestrator owns the job state machine. It fans a job's rows out
// to the discovery engine under a concurrency bound and persists each row
// through an atomic checkpoint that also debits the credit ledger.
package orchestrator

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/cost"
	"github.com/sells-group/dm-finder/internal/credits"
	"github.com/sells-group/dm-finder/internal/discovery"
	"github.com/sells-group/dm-finder/internal/events"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

var (
	// ErrInvalidJob is returned by Submit when a submission fails validation.
	ErrInvalidJob = eris.New("orchestrator: invalid job")
	// ErrJobTerminal is returned when an operation needs an active job.
	ErrJobTerminal = eris.New("orchestrator: job is terminal")
)

// Defaults for Config fields left at zero.
const (
	DefaultConcurrency = 4
	DefaultStaleAfter  = time.Hour
)

// Discoverer finds decision makers for one company row.
type Discoverer interface {
	Discover(ctx context.Context, row model.CompanyRow, opts model.JobOptions, limit int) (*discovery.Outcome, error)
}

// Config tunes job processing.
type Config struct {
	Concurrency                  int
	StaleAfter                   time.Duration
	Pricing                      credits.Pricing
	DefaultMaxContactsTotal      int
	DefaultMaxContactsPerCompany int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Pricing.UnitCost <= 0 {
		c.Pricing = credits.DefaultPricing
	}
	return c
}

// Orchestrator runs discovery jobs.
type Orchestrator struct {
	store  store.Store
	ledger *credits.Ledger
	engine Discoverer
	calc   *cost.Calculator
	signal CancelSignal
	events events.Publisher
	cfg    Config
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCancelSignal replaces the store-backed cancellation check.
func WithCancelSignal(s CancelSignal) Option {
	return func(o *Orchestrator) { o.signal = s }
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithCostCalculator sets the calculator used for USD cost totals.
func WithCostCalculator(c *cost.Calculator) Option {
	return func(o *Orchestrator) { o.calc = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(st store.Store, ledger *credits.Ledger, engine Discoverer, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  st,
		ledger: ledger,
		engine: engine,
		calc:   cost.NewCalculator(cost.DefaultRates()),
		events: events.Nop{},
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.signal == nil {
		o.signal = NewStoreSignal(st)
	}
	return o
}

// Submission is a request to create a job. Rows take precedence over
// Records; Records are mapped through Mapping.
type Submission struct {
	UserID   string
	Filename string
	Mapping  model.ColumnMapping
	Records  []map[string]string
	Rows     []model.CompanyRow
	Options  model.JobOptions
}

// Submit validates a submission and stores it as a queued job. It does not
// start processing; hand the job id to a Dispatcher for that.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*model.Job, error) {
	if strings.TrimSpace(sub.UserID) == "" {
		return nil, eris.Wrap(ErrInvalidJob, "user id is required")
	}
	rows := sub.Rows
	if len(rows) == 0 {
		rows = model.MapRows(sub.Records, sub.Mapping)
	}
	if len(rows) == 0 {
		return nil, eris.Wrap(ErrInvalidJob, "no company rows")
	}
	for _, r := range rows {
		if !r.HasAnchor() {
			return nil, eris.Wrapf(ErrInvalidJob, "row %d has neither a company name nor a website", r.Index)
		}
	}
	opts, err := o.normalizeOptions(sub.Options)
	if err != nil {
		return nil, err
	}

	now := o.now()
	id := uuid.NewString()
	job := &model.Job{
		ID:             id,
		UserID:         sub.UserID,
		Filename:       sub.Filename,
		Status:         model.JobStatusQueued,
		ColumnMapping:  sub.Mapping,
		Rows:           rows,
		Options:        opts,
		TotalCompanies: len(rows),
		SupportID:      supportID(id),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "orchestrator: create job")
	}

	zap.L().Info("orchestrator: job submitted",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.Int("companies", job.TotalCompanies),
	)
	events.Emit(ctx, o.events, events.FromJob(events.JobSubmitted, job, now))
	return job, nil
}

func (o *Orchestrator) normalizeOptions(in model.JobOptions) (model.JobOptions, error) {
	if in.MaxContactsTotal < 0 || in.MaxContactsPerCompany < 0 {
		return in, eris.Wrap(ErrInvalidJob, "contact caps must not be negative")
	}
	var platforms []model.Platform
	for _, p := range in.Platforms {
		parsed, ok := model.ParsePlatform(string(p))
		if !ok {
			return in, eris.Wrapf(ErrInvalidJob, "unknown platform %q", p)
		}
		if !slices.Contains(platforms, parsed) {
			platforms = append(platforms, parsed)
		}
	}
	in.Platforms = platforms

	var titles []string
	for _, t := range in.TitleFilter {
		if t = strings.TrimSpace(t); t != "" {
			titles = append(titles, t)
		}
	}
	in.TitleFilter = titles

	if in.MaxContactsTotal == 0 {
		in.MaxContactsTotal = o.cfg.DefaultMaxContactsTotal
	}
	if in.MaxContactsPerCompany == 0 {
		in.MaxContactsPerCompany = o.cfg.DefaultMaxContactsPerCompany
	}
	return in.WithDefaults(), nil
}

// supportID is the short reference users quote in support tickets.
func supportID(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8])
}

// Run processes a queued job to a terminal state. A job that is not queued
// is left alone, so duplicate deliveries are harmless.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	log := zap.L().With(zap.String("job_id", jobID))

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: load job %s", jobID)
	}
	if job.Status != model.JobStatusQueued {
		log.Info("orchestrator: job not queued, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	now := o.now()
	claimed, err := o.store.UpdateJobStatus(ctx, jobID, store.StatusUpdate{
		From: []model.JobStatus{model.JobStatusQueued},
		To:   model.JobStatusProcessing,
		At:   now,
	})
	if err != nil {
		return eris.Wrapf(err, "orchestrator: start job %s", jobID)
	}
	if !claimed {
		log.Info("orchestrator: job claimed or cancelled elsewhere")
		return nil
	}
	job.Status = model.JobStatusProcessing
	job.StartedAt = &now
	job.UpdatedAt = now

	log.Info("orchestrator: job started",
		zap.Int("companies", len(job.Rows)),
		zap.Int("concurrency", o.cfg.Concurrency),
	)
	events.Emit(ctx, o.events, events.FromJob(events.JobStarted, job, now))

	r := newRun(o, job, log)
	runErr := r.execute(ctx)
	return o.finish(ctx, r, runErr)
}

// finish moves the job to its terminal state from what the run observed.
func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) error {
	if r.isAbandoned() {
		r.log.Warn("orchestrator: job finalized elsewhere during processing")
		return nil
	}
	if ctx.Err() != nil {
		r.log.Warn("orchestrator: run interrupted, job left for the stale sweeper", zap.Error(ctx.Err()))
		return ctx.Err()
	}

	upd := store.StatusUpdate{
		From: []model.JobStatus{model.JobStatusProcessing},
		At:   o.now(),
	}
	stop := r.stopReason()
	switch {
	case runErr != nil:
		reason := model.StopReasonError
		upd.To = model.JobStatusFailed
		upd.StopReason = &reason
		upd.ErrorCode = model.ErrorCodeStorage
		r.log.Error("orchestrator: job failed", zap.Error(runErr))
	case stop != nil && *stop == model.StopReasonCancelled:
		upd.To = model.JobStatusCancelled
		upd.StopReason = stop
	default:
		upd.To = model.JobStatusCompleted
		upd.StopReason = stop
	}

	fctx := context.WithoutCancel(ctx)
	ok, err := o.store.UpdateJobStatus(fctx, r.job.ID, upd)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: finalize job %s", r.job.ID)
	}
	if !ok {
		r.log.Warn("orchestrator: job already terminal at finalize")
		return runErr
	}

	final := r.snapshot()
	final.Status = upd.To
	final.StopReason = upd.StopReason
	r.log.Info("orchestrator: job finished",
		zap.String("status", string(final.Status)),
		zap.Stringp("stop_reason", (*string)(final.StopReason)),
		zap.Int("processed", final.ProcessedCompanies),
		zap.Int("found", final.DecisionMakersFound),
		zap.Int("credits_spent", final.CreditsSpent),
		zap.Float64("total_cost_usd", final.Costs.TotalCostUSD),
	)
	events.Emit(fctx, o.events, events.FromJob(events.JobFinished, final, upd.At))
	return runErr
}

// Cancel requests cooperative cancellation. A queued job is cancelled
// immediately; a processing job stops at its next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	flagged, err := o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: cancel %s", jobID)
	}
	if !flagged {
		if _, err := o.store.CancelRequested(ctx, jobID); err != nil {
			return eris.Wrapf(err, "orchestrator: cancel %s", jobID)
		}
		return eris.Wrapf(ErrJobTerminal, "orchestrator: cancel %s", jobID)
	}

	now := o.now()
	reason := model.StopReasonCancelled
	moved, err := o.store.UpdateJobStatus(ctx, jobID, store.StatusUpdate{
		From:       []model.JobStatus{model.JobStatusQueued},
		To:         model.JobStatusCancelled,
		StopReason: &reason,
		At:         now,
	})
	if err != nil {
		return eris.Wrapf(err, "orchestrator: cancel queued %s", jobID)
	}
	if moved {
		zap.L().Info("orchestrator: queued job cancelled", zap.String("job_id", jobID))
		events.Emit(ctx, o.events, events.Event{
			Type:       events.JobFinished,
			JobID:      jobID,
			Status:     model.JobStatusCancelled,
			StopReason: &reason,
			At:         now,
		})
		return nil
	}

	if err := o.signal.Raise(ctx, jobID); err != nil {
		zap.L().Warn("orchestrator: cancel signal not delivered", zap.String("job_id", jobID), zap.Error(err))
	}
	zap.L().Info("orchestrator: cancellation requested", zap.String("job_id", jobID))
	return nil
}

// MarkStaleAsFailed fails every processing job without a checkpoint in the
// last olderThan (the configured window when zero). Repeated calls only
// affect newly stale jobs.
func (o *Orchestrator) MarkStaleAsFailed(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = o.cfg.StaleAfter
	}
	now := o.now()
	ids, err := o.store.MarkStaleJobs(ctx, now.Add(-olderThan), now)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: mark stale jobs")
	}
	reason := model.StopReasonError
	for _, id := range ids {
		zap.L().Warn("orchestrator: stale job failed", zap.String("job_id", id), zap.Duration("older_than", olderThan))
		events.Emit(ctx, o.events, events.Event{
			Type:       events.JobFinished,
			JobID:      id,
			Status:     model.JobStatusFailed,
			StopReason: &reason,
			At:         now,
		})
	}
	return ids, nil
}

// Job returns the current state of a job.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: get job %s", jobID)
	}
	return job, nil
}
