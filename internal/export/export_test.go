package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
	"github.com/sells-group/dm-finder/pkg/salesforce"
)

func sampleJob() *model.Job {
	return &model.Job{ID: "job-1", SupportID: "AB12CD34", UserID: "u1", Status: model.JobStatusCompleted}
}

func sampleResults() []model.DecisionMaker {
	return []model.DecisionMaker{
		{
			ID: "r1", CompanyName: "Acme Roofing", CompanyType: "Roofing", CompanyWebsite: "acmeroofing.com",
			Name: "Jane Q Doe", Title: "Owner", Platform: model.PlatformLinkedIn,
			ProfileURL: "https://linkedin.com/in/janedoe", Confidence: model.ConfidenceHigh, Reasoning: "title in snippet",
			SearchQueries: []string{"q1", "q2"}, LLMInput: "in", LLMOutput: "out",
		},
		{
			ID: "r2", CompanyName: "Acme Roofing", Name: "Bob", Title: "Director",
			Platform: model.PlatformFacebook, Confidence: model.ConfidenceLow,
		},
	}
}

func readCSV(t *testing.T, b []byte) [][]string {
	t.Helper()
	recs, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestWriteResultsCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResultsCSV(&buf, sampleJob(), sampleResults(), ResultOptions{}))

	recs := readCSV(t, buf.Bytes())
	require.Len(t, recs, 3)
	assert.Equal(t, resultHeader, recs[0])
	assert.Equal(t, []string{
		"job-1", "AB12CD34", "Acme Roofing", "Roofing", "acmeroofing.com", "",
		"Jane Q Doe", "Owner", "linkedin", "https://linkedin.com/in/janedoe", "HIGH", "title in snippet",
	}, recs[1])
}

func TestWriteResultsCSV_Trace(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResultsCSV(&buf, sampleJob(), sampleResults()[:1], ResultOptions{Trace: true}))

	recs := readCSV(t, buf.Bytes())
	require.Len(t, recs, 2)
	assert.Len(t, recs[0], len(resultHeader)+len(traceHeader))
	assert.Equal(t, []string{"q1 | q2", "in", "out"}, recs[1][len(resultHeader):])
}

func TestWriteJobsCSV(t *testing.T) {
	stop := model.StopReasonCreditsExhausted
	jobs := []model.Job{{
		ID: "job-1", SupportID: "AB12CD34", UserID: "u1", Filename: "leads.csv",
		Status: model.JobStatusCompleted, StopReason: &stop,
		TotalCompanies: 10, ProcessedCompanies: 4, DecisionMakersFound: 3, CreditsSpent: 4,
		Costs:     model.JobCosts{LLMCallsStarted: 4, SearchCalls: 8, TotalCostUSD: 0.0125},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteJobsCSV(&buf, jobs))
	recs := readCSV(t, buf.Bytes())
	require.Len(t, recs, 2)
	assert.Equal(t, "credits_exhausted", recs[1][5])
	assert.Equal(t, "0.012500", recs[1][17])
	assert.Equal(t, "2026-03-01T12:00:00Z", recs[1][19])
}

type pagedLister struct {
	rows  []model.DecisionMaker
	calls int
}

func (p *pagedLister) ListResults(_ context.Context, _ string, f store.ResultFilter) ([]model.DecisionMaker, int, error) {
	p.calls++
	end := min(f.Offset+f.Limit, len(p.rows))
	return p.rows[f.Offset:end], len(p.rows), nil
}

func TestAllResults_Pages(t *testing.T) {
	rows := make([]model.DecisionMaker, pageSize+3)
	for i := range rows {
		rows[i].ID = fmt.Sprintf("r%d", i)
	}
	lister := &pagedLister{rows: rows}

	got, err := AllResults(context.Background(), lister, "job-1", store.ResultFilter{Limit: 5, Offset: 9})
	require.NoError(t, err)
	assert.Len(t, got, pageSize+3)
	assert.Equal(t, 2, lister.calls)
}

type mockSF struct{ mock.Mock }

func (m *mockSF) InsertCollection(ctx context.Context, obj string, records []map[string]any) ([]salesforce.CollectionResult, error) {
	args := m.Called(ctx, obj, records)
	res, _ := args.Get(0).([]salesforce.CollectionResult)
	return res, args.Error(1)
}

func TestContacts_FiltersAndSplits(t *testing.T) {
	got := Contacts(sampleResults(), false)
	require.Len(t, got, 1)
	assert.Equal(t, "Jane Q", got[0].FirstName)
	assert.Equal(t, "Doe", got[0].LastName)
	assert.Equal(t, "Owner", got[0].Title)
	assert.Contains(t, got[0].Description, "Company: Acme Roofing")
	assert.Contains(t, got[0].Description, "Profile: https://linkedin.com/in/janedoe")
	assert.Contains(t, got[0].Description, "Confidence: HIGH")

	all := Contacts(sampleResults(), true)
	require.Len(t, all, 2)
	assert.Equal(t, "", all[1].FirstName)
	assert.Equal(t, "Bob", all[1].LastName)
}

func TestContacts_SkipsNameless(t *testing.T) {
	got := Contacts([]model.DecisionMaker{{Name: "  ", Confidence: model.ConfidenceHigh}}, true)
	assert.Empty(t, got)
}

func TestPushSalesforce(t *testing.T) {
	sf := new(mockSF)
	sf.On("InsertCollection", mock.Anything, "Contact", mock.MatchedBy(func(recs []map[string]any) bool {
		return len(recs) == 2
	})).Return([]salesforce.CollectionResult{
		{ID: "003A", Success: true},
		{Success: false, Errors: []string{"DUPLICATES_DETECTED"}},
	}, nil)

	sum, err := PushSalesforce(context.Background(), sf, sampleResults(), true)
	require.NoError(t, err)
	assert.Equal(t, &PushSummary{Selected: 2, Created: 1, Failed: 1, Errors: []string{"DUPLICATES_DETECTED"}}, sum)
	sf.AssertExpectations(t)
}

func TestPushSalesforce_Error(t *testing.T) {
	sf := new(mockSF)
	sf.On("InsertCollection", mock.Anything, "Contact", mock.Anything).Return(nil, errors.New("session expired"))

	sum, err := PushSalesforce(context.Background(), sf, sampleResults(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session expired")
	assert.Equal(t, 1, sum.Selected)
	assert.Zero(t, sum.Created)
}

func TestPushSalesforce_NothingSelected(t *testing.T) {
	sf := new(mockSF)
	sum, err := PushSalesforce(context.Background(), sf, sampleResults()[1:], false)
	require.NoError(t, err)
	assert.Zero(t, sum.Selected)
	sf.AssertNotCalled(t, "InsertCollection", mock.Anything, mock.Anything, mock.Anything)
}
