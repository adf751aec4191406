// Package discovery finds decision-makers for one company at a time. Each
// company passes through four stages: enrichment, query planning, search
// and extraction. Every stage that calls out is retried on transient errors
// and reports a StageError once its attempts are spent.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/cache"
	"github.com/sells-group/dm-finder/internal/gateway"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
)

// Stage names a step of the per-company pipeline.
type Stage string

const (
	StageEnrich  Stage = "enrich"
	StagePlan    Stage = "plan"
	StageSearch  Stage = "search"
	StageExtract Stage = "extract"
)

// ErrNoAnchor is returned for rows with neither a company name nor a website.
var ErrNoAnchor = eris.New("discovery: row has no company name or website")

// StageError reports which stage failed for a company.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("discovery %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Config tunes the engine. Zero values select defaults.
type Config struct {
	MaxQueries  int           `yaml:"max_queries" mapstructure:"max_queries"`
	MaxSnippets int           `yaml:"max_snippets" mapstructure:"max_snippets"`
	CacheTTL    time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	Retry       resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.MaxQueries <= 0 {
		c.MaxQueries = 6
	}
	if c.MaxSnippets <= 0 {
		c.MaxSnippets = 8
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = cache.DefaultTTL
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

// Engine runs the discovery pipeline. It is safe for concurrent use by the
// rows of one or more jobs.
type Engine struct {
	inference  gateway.Inference
	search     gateway.Search
	rules      *TitleRules
	identities *cache.Cache[model.Identity]
	cfg        Config
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTitleRules replaces the built-in title rules.
func WithTitleRules(r *TitleRules) Option {
	return func(e *Engine) {
		if r != nil {
			e.rules = r
		}
	}
}

// WithIdentityCache shares an enrichment cache between engines. Passing nil
// disables caching.
func WithIdentityCache(c *cache.Cache[model.Identity]) Option {
	return func(e *Engine) { e.identities = c }
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(inf gateway.Inference, search gateway.Search, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		inference:  inf,
		search:     search,
		rules:      DefaultTitleRules(),
		identities: cache.New[model.Identity](cache.DefaultMaxItems),
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Outcome is everything the engine learned about one company. It is
// returned even when a stage fails so the caller can account for the
// external calls that were made.
type Outcome struct {
	Identity   model.Identity
	Queries    []string
	Snippets   []model.Snippet
	Candidates []model.Candidate

	LLMInput     string
	LLMOutput    string
	LLMCallAt    *time.Time
	SearchCallAt *time.Time

	Usage model.Usage
}

// Discover runs the pipeline for one row and returns at most limit
// candidates. A limit of zero skips all external calls.
func (e *Engine) Discover(ctx context.Context, row model.CompanyRow, opts model.JobOptions, limit int) (*Outcome, error) {
	out := &Outcome{}
	if !row.HasAnchor() {
		return out, &StageError{Stage: StageEnrich, Err: ErrNoAnchor}
	}
	if limit <= 0 {
		return out, nil
	}
	opts = opts.WithDefaults()
	log := zap.L().With(zap.Int("row", row.Index), zap.String("company", row.Name))

	id, err := e.enrich(ctx, row, out)
	if err != nil {
		return out, &StageError{Stage: StageEnrich, Err: err}
	}
	out.Identity = id

	out.Queries = PlanQueries(id, opts, e.rules, e.cfg.MaxQueries)
	if len(out.Queries) == 0 {
		log.Debug("discovery: no queries planned", zap.Any("platforms", opts.Platforms))
		return out, nil
	}

	snippets, err := e.runSearch(ctx, out)
	if err != nil {
		return out, &StageError{Stage: StageSearch, Err: err}
	}
	out.Snippets = snippets
	if len(snippets) == 0 {
		log.Debug("discovery: search returned no evidence", zap.Int("queries", len(out.Queries)))
		return out, nil
	}

	raw, err := e.extract(ctx, id, opts, limit, out)
	if err != nil {
		return out, &StageError{Stage: StageExtract, Err: err}
	}
	out.Candidates = e.finalize(raw, snippets, limit)

	log.Debug("discovery: company complete",
		zap.Int("queries", len(out.Queries)),
		zap.Int("snippets", len(snippets)),
		zap.Int("proposed", len(raw)),
		zap.Int("kept", len(out.Candidates)),
	)
	return out, nil
}

// runSearch executes every planned query and merges results, deduplicated
// by URL. A query that fails after its retries is skipped; the stage fails
// only when every query failed.
func (e *Engine) runSearch(ctx context.Context, out *Outcome) ([]model.Snippet, error) {
	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(e.search.Name(), "search")

	var (
		merged  []model.Snippet
		seen    = make(map[string]bool)
		lastErr error
		failed  int
	)
	for _, q := range out.Queries {
		if out.SearchCallAt == nil {
			at := e.now()
			out.SearchCallAt = &at
		}
		results, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.Snippet, error) {
			out.Usage.SearchCalls++
			return e.search.Search(ctx, q)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			lastErr = err
			zap.L().Warn("discovery: search query failed",
				zap.String("query", q),
				zap.String("class", string(resilience.ClassifyError(err))),
				zap.Error(err),
			)
			continue
		}
		if len(results) > e.cfg.MaxSnippets {
			results = results[:e.cfg.MaxSnippets]
		}
		for _, r := range results {
			key := urlKey(r.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, r)
		}
	}
	if failed == len(out.Queries) {
		return nil, lastErr
	}
	return merged, nil
}

// DecisionMakers turns the outcome's candidates into result records for
// a job.
func (o *Outcome) DecisionMakers(jobID string, row model.CompanyRow, now time.Time) []model.DecisionMaker {
	if o == nil || len(o.Candidates) == 0 {
		return nil
	}
	name := o.Identity.Name
	if name == "" {
		name = row.Name
	}
	website := row.Website
	if website == "" {
		website = o.Identity.Domain
	}
	industry := o.Identity.Industry
	if industry == "" {
		industry = row.Industry
	}

	out := make([]model.DecisionMaker, 0, len(o.Candidates))
	for _, c := range o.Candidates {
		out = append(out, model.DecisionMaker{
			ID:             uuid.NewString(),
			JobID:          jobID,
			RowIndex:       row.Index,
			CompanyName:    name,
			CompanyType:    industry,
			CompanyWebsite: website,
			CompanyAddress: row.Address,
			Name:           c.Name,
			Title:          c.Title,
			Platform:       c.Platform,
			ProfileURL:     c.ProfileURL,
			Confidence:     c.Confidence,
			Reasoning:      c.Reasoning,
			LLMInput:       o.LLMInput,
			LLMOutput:      o.LLMOutput,
			SearchQueries:  o.Queries,
			LLMCallAt:      o.LLMCallAt,
			SearchCallAt:   o.SearchCallAt,
			CreatedAt:      now,
		})
	}
	return out
}

// StageOf returns the failing stage of err, or "" when err is not a
// StageError.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func urlKey(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	u = strings.TrimPrefix(u, "www.")
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(strings.TrimRight(u, "/"))
}
