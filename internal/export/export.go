// Package export writes job results and job summaries as CSV and pushes
// results to Salesforce.
package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

const pageSize = 500

var resultHeader = []string{
	"Job ID", "Support ID", "Company Name", "Company Type", "Company Website", "Company Address",
	"Contact Name", "Contact Job Title", "Platform", "Profile URL", "Confidence", "Reasoning",
}

var traceHeader = []string{"Search Queries", "LLM Input", "LLM Output"}

var jobHeader = []string{
	"Job ID", "Support ID", "User ID", "Filename", "Status", "Stop Reason",
	"Total Companies", "Processed Companies", "Contacts Found", "Credits Spent",
	"LLM API Calls", "Search API Calls", "LLM Prompt Tokens", "LLM Completion Tokens", "LLM Total Tokens",
	"LLM Cost USD", "Search Cost USD", "Total Cost USD", "Cost Per Contact USD", "Created At",
}

// ResultOptions controls the result CSV layout.
type ResultOptions struct {
	// Trace appends the search queries and raw LLM input/output per row.
	Trace bool
}

// WriteResultsCSV writes one row per decision-maker.
func WriteResultsCSV(w io.Writer, job *model.Job, results []model.DecisionMaker, opts ResultOptions) error {
	cw := csv.NewWriter(w)
	header := resultHeader
	if opts.Trace {
		header = append(append([]string{}, resultHeader...), traceHeader...)
	}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, dm := range results {
		rec := []string{
			job.ID, job.SupportID, dm.CompanyName, dm.CompanyType, dm.CompanyWebsite, dm.CompanyAddress,
			dm.Name, dm.Title, string(dm.Platform), dm.ProfileURL, string(dm.Confidence), dm.Reasoning,
		}
		if opts.Trace {
			rec = append(rec, strings.Join(dm.SearchQueries, " | "), dm.LLMInput, dm.LLMOutput)
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write result %s", dm.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush results")
}

// WriteJobsCSV writes one summary row per job with counters and costs.
func WriteJobsCSV(w io.Writer, jobs []model.Job) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(jobHeader); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, j := range jobs {
		stop := ""
		if j.StopReason != nil {
			stop = string(*j.StopReason)
		}
		c := j.Costs
		rec := []string{
			j.ID, j.SupportID, j.UserID, j.Filename, string(j.Status), stop,
			strconv.Itoa(j.TotalCompanies), strconv.Itoa(j.ProcessedCompanies),
			strconv.Itoa(j.DecisionMakersFound), strconv.Itoa(j.CreditsSpent),
			strconv.Itoa(c.LLMCallsStarted), strconv.Itoa(c.SearchCalls),
			strconv.FormatInt(c.LLMPromptTokens, 10), strconv.FormatInt(c.LLMCompletionTokens, 10),
			strconv.FormatInt(c.LLMTotalTokens, 10),
			usd(c.LLMCostUSD), usd(c.SearchCostUSD), usd(c.TotalCostUSD), usd(c.CostPerContactUSD),
			j.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write job %s", j.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush jobs")
}

func usd(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// ResultLister is the slice of the store needed to page through results.
type ResultLister interface {
	ListResults(ctx context.Context, jobID string, filter store.ResultFilter) ([]model.DecisionMaker, int, error)
}

// AllResults pages through every result of a job matching filter. The
// filter's Limit and Offset are ignored.
func AllResults(ctx context.Context, st ResultLister, jobID string, filter store.ResultFilter) ([]model.DecisionMaker, error) {
	var all []model.DecisionMaker
	filter.Limit = pageSize
	filter.Offset = 0
	for {
		page, total, err := st.ListResults(ctx, jobID, filter)
		if err != nil {
			return nil, eris.Wrapf(err, "export: list results for job %s", jobID)
		}
		all = append(all, page...)
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			return all, nil
		}
	}
}
