package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dm-finder/internal/model"
)

// ErrNotFound is returned when a job or account does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	UserID string          `json:"user_id,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// ResultFilter narrows a job's result listing.
type ResultFilter struct {
	Confidence model.Confidence `json:"confidence,omitempty"`
	Platform   model.Platform   `json:"platform,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// StatusUpdate is a conditional status change: it applies only while the
// job is in one of From.
type StatusUpdate struct {
	From       []model.JobStatus
	To         model.JobStatus
	StopReason *model.StopReason
	ErrorCode  string
	At         time.Time
}

// Store defines the persistence interface for jobs, results and credits.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, upd StatusUpdate) (bool, error)
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	MarkStaleJobs(ctx context.Context, cutoff, now time.Time) ([]string, error)

	// Results
	ListResults(ctx context.Context, jobID string, filter ResultFilter) ([]model.DecisionMaker, int, error)

	// Credits
	GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the transactional surface used by the per-row checkpoint and the
// credit ledger. Lock methods serialize concurrent writers on the same job
// or user until the transaction ends.
type Tx interface {
	LockJob(ctx context.Context, jobID string) (*model.Job, error)
	SaveProgress(ctx context.Context, job *model.Job) error
	InsertResults(ctx context.Context, results []model.DecisionMaker) error

	LockCreditAccount(ctx context.Context, userID string) error
	LedgerEntries(ctx context.Context, userID string, now time.Time) ([]model.LedgerEntry, error)
	AppendLedger(ctx context.Context, entries []model.LedgerEntry) error
	SetBalance(ctx context.Context, userID string, balance int, at time.Time) error
}

type scanner interface {
	Scan(dest ...any) error
}

// jobColumns is the column order expected by scanJob. jobSummaryColumns
// skips the row payload for hot paths that only need counters.
const (
	jobColumns = `id, user_id, filename, status, column_mapping, companies, options,
		total_companies, processed_companies, decision_makers_found, credits_spent,
		llm_calls_started, llm_calls_succeeded, llm_prompt_tokens, llm_completion_tokens, llm_total_tokens,
		search_calls, llm_cost_usd, search_cost_usd, total_cost_usd, cost_per_contact_usd,
		stop_reason, error_code, support_id, cancel_requested,
		created_at, updated_at, started_at, finished_at`
	jobSummaryColumns = `id, user_id, filename, status, column_mapping, NULL, options,
		total_companies, processed_companies, decision_makers_found, credits_spent,
		llm_calls_started, llm_calls_succeeded, llm_prompt_tokens, llm_completion_tokens, llm_total_tokens,
		search_calls, llm_cost_usd, search_cost_usd, total_cost_usd, cost_per_contact_usd,
		stop_reason, error_code, support_id, cancel_requested,
		created_at, updated_at, started_at, finished_at`
)

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var mappingJSON, rowsJSON, optionsJSON []byte
	var stopReason *string
	c := &j.Costs

	err := row.Scan(
		&j.ID, &j.UserID, &j.Filename, &j.Status, &mappingJSON, &rowsJSON, &optionsJSON,
		&j.TotalCompanies, &j.ProcessedCompanies, &j.DecisionMakersFound, &j.CreditsSpent,
		&c.LLMCallsStarted, &c.LLMCallsSucceeded, &c.LLMPromptTokens, &c.LLMCompletionTokens, &c.LLMTotalTokens,
		&c.SearchCalls, &c.LLMCostUSD, &c.SearchCostUSD, &c.TotalCostUSD, &c.CostPerContactUSD,
		&stopReason, &j.ErrorCode, &j.SupportID, &j.CancelRequested,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalIfSet(mappingJSON, &j.ColumnMapping); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal column mapping")
	}
	if err := unmarshalIfSet(rowsJSON, &j.Rows); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal rows")
	}
	if err := unmarshalIfSet(optionsJSON, &j.Options); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal options")
	}
	if stopReason != nil && *stopReason != "" {
		sr := model.StopReason(*stopReason)
		j.StopReason = &sr
	}
	return &j, nil
}

const resultColumns = `id, job_id, row_index, company_name, company_type, company_website, company_address,
	name, title, platform, profile_url, confidence, reasoning,
	llm_input, llm_output, search_queries, llm_call_at, search_call_at, created_at`

func scanResult(row scanner) (*model.DecisionMaker, error) {
	var dm model.DecisionMaker
	var queriesJSON []byte
	err := row.Scan(
		&dm.ID, &dm.JobID, &dm.RowIndex, &dm.CompanyName, &dm.CompanyType, &dm.CompanyWebsite, &dm.CompanyAddress,
		&dm.Name, &dm.Title, &dm.Platform, &dm.ProfileURL, &dm.Confidence, &dm.Reasoning,
		&dm.LLMInput, &dm.LLMOutput, &queriesJSON, &dm.LLMCallAt, &dm.SearchCallAt, &dm.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(queriesJSON, &dm.SearchQueries); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal search queries")
	}
	return &dm, nil
}

// resultArgs returns values in resultColumns order.
func resultArgs(dm model.DecisionMaker, queriesJSON []byte) []any {
	return []any{
		dm.ID, dm.JobID, dm.RowIndex, dm.CompanyName, dm.CompanyType, dm.CompanyWebsite, dm.CompanyAddress,
		dm.Name, dm.Title, string(dm.Platform), dm.ProfileURL, string(dm.Confidence), dm.Reasoning,
		dm.LLMInput, dm.LLMOutput, queriesJSON, dm.LLMCallAt, dm.SearchCallAt, dm.CreatedAt,
	}
}

var resultColumnNames = []string{
	"id", "job_id", "row_index", "company_name", "company_type", "company_website", "company_address",
	"name", "title", "platform", "profile_url", "confidence", "reasoning",
	"llm_input", "llm_output", "search_queries", "llm_call_at", "search_call_at", "created_at",
}

const ledgerColumns = `id, user_id, lot_id, event_type, delta, source, job_id, expires_at, metadata, created_at`

func scanLedger(row scanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var jobID *string
	var metaJSON []byte
	err := row.Scan(&e.ID, &e.UserID, &e.LotID, &e.EventType, &e.Delta, &e.Source, &jobID, &e.ExpiresAt, &metaJSON, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if jobID != nil {
		e.JobID = *jobID
	}
	if err := unmarshalIfSet(metaJSON, &e.Metadata); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal ledger metadata")
	}
	return &e, nil
}

func unmarshalIfSet(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stopReasonArg(sr *model.StopReason) *string {
	if sr == nil {
		return nil
	}
	s := string(*sr)
	return &s
}

func statusStrings(in []model.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// transitionTimes derives started_at/finished_at values for a status change.
// A nil pointer leaves the stored value untouched.
func transitionTimes(to model.JobStatus, at time.Time) (started, finished *time.Time) {
	if to == model.JobStatusProcessing {
		started = &at
	}
	if to.IsTerminal() {
		finished = &at
	}
	return started, finished
}

func limitOrDefault(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, ceiling)
}

type jobPayload struct {
	mapping, rows, options []byte
}

func marshalJob(job *model.Job) (jobPayload, error) {
	var p jobPayload
	var err error
	if p.mapping, err = json.Marshal(job.ColumnMapping); err != nil {
		return p, eris.Wrap(err, "store: marshal column mapping")
	}
	rows := job.Rows
	if rows == nil {
		rows = []model.CompanyRow{}
	}
	if p.rows, err = json.Marshal(rows); err != nil {
		return p, eris.Wrap(err, "store: marshal rows")
	}
	if p.options, err = json.Marshal(job.Options); err != nil {
		return p, eris.Wrap(err, "store: marshal options")
	}
	return p, nil
}

func marshalQueries(q []string) ([]byte, error) {
	if q == nil {
		q = []string{}
	}
	b, err := json.Marshal(q)
	return b, eris.Wrap(err, "store: marshal search queries")
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	return b, eris.Wrap(err, "store: marshal ledger metadata")
}
