package notion

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQueryAll_SinglePage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.AnythingOfType("*notionapi.DatabaseQueryRequest")).
		Return(&notionapi.DatabaseQueryResponse{
			Results: []notionapi.Page{{ID: "p1"}, {ID: "p2"}},
		}, nil).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.NoError(t, err)
	assert.Len(t, pages, 2)
	mc.AssertExpectations(t)
}

func TestQueryAll_MultiPage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == ""
	})).Return(&notionapi.DatabaseQueryResponse{
		Results:    []notionapi.Page{{ID: "p1"}},
		HasMore:    true,
		NextCursor: notionapi.Cursor("cursor-abc"),
	}, nil).Once()
	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == notionapi.Cursor("cursor-abc")
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p2"}},
	}, nil).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, notionapi.ObjectID("p2"), pages[1].ID)
	mc.AssertExpectations(t)
}

func TestQueryAll_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	mc.On("QueryDatabase", ctx, "db-err", mock.Anything).Return(nil, assert.AnError).Once()

	pages, err := QueryAll(ctx, mc, "db-err", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
	assert.Contains(t, err.Error(), "notion: query all page")
}

func TestPageRecord(t *testing.T) {
	page := notionapi.Page{
		Properties: notionapi.Properties{
			"Company": &notionapi.TitleProperty{Title: []notionapi.RichText{
				{PlainText: "Acme "}, {PlainText: "Plumbing"},
			}},
			"City":     &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: " Austin, TX "}}},
			"Website":  &notionapi.URLProperty{URL: "https://acme.example"},
			"Industry": &notionapi.SelectProperty{Select: notionapi.Option{Name: "Plumbing"}},
			"Done":     &notionapi.CheckboxProperty{Checkbox: true},
		},
	}

	rec := PageRecord(page)
	assert.Equal(t, "Acme Plumbing", rec["Company"])
	assert.Equal(t, "Austin, TX", rec["City"])
	assert.Equal(t, "https://acme.example", rec["Website"])
	assert.Equal(t, "Plumbing", rec["Industry"])
	_, ok := rec["Done"]
	assert.False(t, ok)
}
