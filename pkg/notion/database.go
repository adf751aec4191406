package notion

import (
	"context"
	"strconv"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll fetches all pages from a Notion database, following cursors.
// Rate limiting is enforced by the Client.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			req.PageSize = filter.PageSize
		}

		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}
		all = append(all, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

// PageRecord flattens a page's properties to plain strings keyed by
// property name. Unsupported property types are skipped.
func PageRecord(page notionapi.Page) map[string]string {
	out := make(map[string]string, len(page.Properties))
	for name, prop := range page.Properties {
		if v, ok := propertyText(prop); ok {
			out[name] = strings.TrimSpace(v)
		}
	}
	return out
}

func propertyText(prop notionapi.Property) (string, bool) {
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return richText(p.Title), true
	case notionapi.TitleProperty:
		return richText(p.Title), true
	case *notionapi.RichTextProperty:
		return richText(p.RichText), true
	case notionapi.RichTextProperty:
		return richText(p.RichText), true
	case *notionapi.URLProperty:
		return p.URL, true
	case notionapi.URLProperty:
		return p.URL, true
	case *notionapi.SelectProperty:
		return p.Select.Name, true
	case *notionapi.EmailProperty:
		return p.Email, true
	case *notionapi.PhoneNumberProperty:
		return p.PhoneNumber, true
	case *notionapi.NumberProperty:
		return strconv.FormatFloat(p.Number, 'f', -1, 64), true
	}
	return "", false
}

func richText(parts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range parts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}
