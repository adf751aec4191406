package salesforce

import (
	"context"

	"github.com/rotisserie/eris"
)

// Contact is the subset of Salesforce Contact fields written on export.
type Contact struct {
	FirstName   string
	LastName    string
	Title       string
	Description string
	LeadSource  string
}

func (c Contact) record() map[string]any {
	rec := map[string]any{
		"LastName": c.LastName,
		"Title":    c.Title,
	}
	if c.FirstName != "" {
		rec["FirstName"] = c.FirstName
	}
	if c.Description != "" {
		rec["Description"] = c.Description
	}
	if c.LeadSource != "" {
		rec["LeadSource"] = c.LeadSource
	}
	return rec
}

// InsertContacts creates contacts in batches of 200 (SF Collections API limit).
// Results are returned for the batches that completed before any error.
func InsertContacts(ctx context.Context, c Client, contacts []Contact) ([]CollectionResult, error) {
	if len(contacts) == 0 {
		return nil, nil
	}

	var all []CollectionResult
	for start := 0; start < len(contacts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(contacts))
		records := make([]map[string]any, 0, end-start)
		for _, ct := range contacts[start:end] {
			records = append(records, ct.record())
		}

		results, err := c.InsertCollection(ctx, "Contact", records)
		if err != nil {
			return all, eris.Wrapf(err, "sf: insert contacts batch %d-%d", start, end)
		}
		all = append(all, results...)
	}
	return all, nil
}
