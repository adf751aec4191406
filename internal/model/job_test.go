package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusProcessing, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusCancelled, true},
		{JobStatusProcessing, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusProcessing, false},
		{JobStatusFailed, JobStatusProcessing, false},
		{JobStatusCancelled, JobStatusProcessing, false},
		{JobStatusCompleted, JobStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())

	assert.True(t, JobStatusQueued.IsActive())
	assert.True(t, JobStatusProcessing.IsActive())
	assert.False(t, JobStatusCancelled.IsActive())
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	st, ok := ParseJobStatus("processing")
	assert.True(t, ok)
	assert.Equal(t, JobStatusProcessing, st)

	_, ok = ParseJobStatus("running")
	assert.False(t, ok)
}

func TestJobOptions_WithDefaults(t *testing.T) {
	t.Parallel()

	o := JobOptions{}.WithDefaults()
	assert.Equal(t, 50, o.MaxContactsTotal)
	assert.Equal(t, 1, o.MaxContactsPerCompany)
	assert.Equal(t, []Platform{PlatformLinkedIn}, o.Platforms)

	o = JobOptions{MaxContactsTotal: 5, MaxContactsPerCompany: 3, Platforms: []Platform{PlatformYelp}}.WithDefaults()
	assert.Equal(t, 5, o.MaxContactsTotal)
	assert.Equal(t, 3, o.MaxContactsPerCompany)
	assert.Equal(t, []Platform{PlatformYelp}, o.Platforms)
}

func TestJob_RemainingContacts(t *testing.T) {
	t.Parallel()

	j := &Job{Options: JobOptions{MaxContactsTotal: 3}, DecisionMakersFound: 1}
	assert.Equal(t, 2, j.RemainingContacts())

	j.DecisionMakersFound = 5
	assert.Equal(t, 0, j.RemainingContacts())
}

func TestUsage_Add(t *testing.T) {
	t.Parallel()

	u := Usage{LLMCallsStarted: 1, LLMPromptTokens: 10}
	u.Add(Usage{LLMCallsStarted: 2, LLMCallsSucceeded: 2, LLMPromptTokens: 5, LLMCompletionTokens: 7, SearchCalls: 3})
	assert.Equal(t, Usage{LLMCallsStarted: 3, LLMCallsSucceeded: 2, LLMPromptTokens: 15, LLMCompletionTokens: 7, SearchCalls: 3}, u)
}
