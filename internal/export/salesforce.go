package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/pkg/salesforce"
)

const leadSource = "DM Finder"

// PushSummary reports the outcome of a Salesforce push.
type PushSummary struct {
	Selected int      `json:"selected"`
	Created  int      `json:"created"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Contacts converts results into Salesforce contacts. LOW confidence
// results are skipped unless all is set.
func Contacts(results []model.DecisionMaker, all bool) []salesforce.Contact {
	out := make([]salesforce.Contact, 0, len(results))
	for _, dm := range results {
		if !all && dm.Confidence.Rank() < model.ConfidenceMedium.Rank() {
			continue
		}
		first, last := splitName(dm.Name)
		if last == "" {
			continue
		}
		out = append(out, salesforce.Contact{
			FirstName:   first,
			LastName:    last,
			Title:       dm.Title,
			Description: describe(dm),
			LeadSource:  leadSource,
		})
	}
	return out
}

// PushSalesforce inserts a job's results as Contact records.
func PushSalesforce(ctx context.Context, c salesforce.Client, results []model.DecisionMaker, all bool) (*PushSummary, error) {
	contacts := Contacts(results, all)
	sum := &PushSummary{Selected: len(contacts)}
	res, err := salesforce.InsertContacts(ctx, c, contacts)
	for _, r := range res {
		if r.Success {
			sum.Created++
			continue
		}
		sum.Failed++
		sum.Errors = append(sum.Errors, r.Errors...)
	}
	if err != nil {
		return sum, eris.Wrap(err, "export: push contacts")
	}
	if sum.Failed > 0 {
		zap.L().Warn("export: some contacts were rejected",
			zap.Int("failed", sum.Failed),
			zap.Int("created", sum.Created),
		)
	}
	return sum, nil
}

// splitName puts everything before the last word into FirstName. A single
// word becomes the LastName, which Salesforce requires.
func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func describe(dm model.DecisionMaker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n", dm.CompanyName)
	if dm.CompanyWebsite != "" {
		fmt.Fprintf(&b, "Website: %s\n", dm.CompanyWebsite)
	}
	fmt.Fprintf(&b, "Platform: %s\n", dm.Platform)
	if dm.ProfileURL != "" {
		fmt.Fprintf(&b, "Profile: %s\n", dm.ProfileURL)
	}
	fmt.Fprintf(&b, "Confidence: %s", dm.Confidence)
	return b.String()
}
