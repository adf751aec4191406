package rowsource

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dm-finder/pkg/notion"
)

// ReadNotion loads every page of a Notion database. The header is the
// sorted union of property names seen across pages.
func ReadNotion(ctx context.Context, c notion.Client, databaseID string) (*Table, error) {
	pages, err := notion.QueryAll(ctx, c, databaseID, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "rowsource: notion database %s", databaseID)
	}

	t := &Table{}
	cols := make(map[string]bool)
	for _, p := range pages {
		rec := notion.PageRecord(p)
		blank := true
		for k, v := range rec {
			cols[k] = true
			if v != "" {
				blank = false
			}
		}
		if !blank {
			t.Records = append(t.Records, rec)
		}
	}
	if len(t.Records) == 0 {
		return nil, ErrEmpty
	}
	for k := range cols {
		t.Header = append(t.Header, k)
	}
	sort.Strings(t.Header)
	return t, nil
}
