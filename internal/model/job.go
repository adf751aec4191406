package model

import (
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of a discovery job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// validTransitions lists the states reachable from each state.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether a job in state s may still be run.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// CanTransition reports whether moving from -> to is allowed.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(validTransitions[from], to)
}

// ParseJobStatus converts a string to a JobStatus. ok is false for unknown values.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(s); st {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, true
	}
	return "", false
}

// StopReason records why a job finished early.
type StopReason string

const (
	StopReasonCancelled        StopReason = "cancelled"
	StopReasonCreditsExhausted StopReason = "credits_exhausted"
	StopReasonError            StopReason = "error"
)

// Generic, user-facing error codes. Raw errors stay in the logs.
const (
	ErrorCodeInternal     = "internal_error"
	ErrorCodeStorage      = "storage_error"
	ErrorCodeInput        = "input_error"
	ErrorCodeStaleTimeout = "stale_timeout"
)

// Default caps applied when a submission leaves them unset.
const (
	DefaultMaxContactsTotal      = 50
	DefaultMaxContactsPerCompany = 1
)

// JobOptions are the user-selected discovery settings for a job.
type JobOptions struct {
	Platforms             []Platform `json:"platforms"`
	MaxContactsTotal      int        `json:"max_contacts_total"`
	MaxContactsPerCompany int        `json:"max_contacts_per_company"`
	DeepSearch            bool       `json:"deep_search"`
	TitleFilter           []string   `json:"title_filter,omitempty"`
}

// WithDefaults fills unset caps and platforms.
func (o JobOptions) WithDefaults() JobOptions {
	if o.MaxContactsTotal <= 0 {
		o.MaxContactsTotal = DefaultMaxContactsTotal
	}
	if o.MaxContactsPerCompany <= 0 {
		o.MaxContactsPerCompany = DefaultMaxContactsPerCompany
	}
	if len(o.Platforms) == 0 {
		o.Platforms = []Platform{PlatformLinkedIn}
	}
	return o
}

// Job is one user-submitted batch of companies to enrich.
type Job struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Filename      string        `json:"filename,omitempty"`
	Status        JobStatus     `json:"status"`
	ColumnMapping ColumnMapping `json:"column_mapping"`
	Rows          []CompanyRow  `json:"rows,omitempty"`
	Options       JobOptions    `json:"options"`

	TotalCompanies      int `json:"total_companies"`
	ProcessedCompanies  int `json:"processed_companies"`
	DecisionMakersFound int `json:"decision_makers_found"`
	CreditsSpent        int `json:"credits_spent"`

	Costs JobCosts `json:"costs"`

	StopReason      *StopReason `json:"stop_reason"`
	ErrorCode       string      `json:"error_code,omitempty"`
	SupportID       string      `json:"support_id"`
	CancelRequested bool        `json:"cancel_requested"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RemainingContacts is the number of results the job may still admit.
func (j *Job) RemainingContacts() int {
	return max(0, j.Options.MaxContactsTotal-j.DecisionMakersFound)
}

// JobCosts aggregates external call usage and derived USD costs.
type JobCosts struct {
	LLMCallsStarted     int     `json:"llm_calls_started"`
	LLMCallsSucceeded   int     `json:"llm_calls_succeeded"`
	LLMPromptTokens     int64   `json:"llm_prompt_tokens"`
	LLMCompletionTokens int64   `json:"llm_completion_tokens"`
	LLMTotalTokens      int64   `json:"llm_total_tokens"`
	SearchCalls         int     `json:"search_calls"`
	LLMCostUSD          float64 `json:"llm_cost_usd"`
	SearchCostUSD       float64 `json:"search_cost_usd"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	CostPerContactUSD   float64 `json:"cost_per_contact_usd"`
}

// Usage counts external calls made while processing one or more rows.
type Usage struct {
	LLMCallsStarted     int   `json:"llm_calls_started"`
	LLMCallsSucceeded   int   `json:"llm_calls_succeeded"`
	LLMPromptTokens     int64 `json:"llm_prompt_tokens"`
	LLMCompletionTokens int64 `json:"llm_completion_tokens"`
	SearchCalls         int   `json:"search_calls"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.LLMCallsStarted += other.LLMCallsStarted
	u.LLMCallsSucceeded += other.LLMCallsSucceeded
	u.LLMPromptTokens += other.LLMPromptTokens
	u.LLMCompletionTokens += other.LLMCompletionTokens
	u.SearchCalls += other.SearchCalls
}
