package discovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dm-finder/internal/model"
)

var acme = model.Identity{Name: "Acme Roofing", Domain: "acmeroofing.com", Location: "Austin, US"}

func TestPlanQueries_StandardPerPlatform(t *testing.T) {
	opts := model.JobOptions{
		Platforms:   []model.Platform{model.PlatformFacebook, model.PlatformLinkedIn},
		TitleFilter: []string{"Owner", "General Manager"},
	}
	got := PlanQueries(acme, opts, DefaultTitleRules(), 6)
	assert.Equal(t, []string{
		`"Acme Roofing" (Owner OR "General Manager") site:linkedin.com/in`,
		`"Acme Roofing" (Owner OR "General Manager") site:facebook.com`,
	}, got)
}

func TestPlanQueries_DefaultKeywords(t *testing.T) {
	opts := model.JobOptions{Platforms: []model.Platform{model.PlatformLinkedIn}}
	got := PlanQueries(acme, opts, DefaultTitleRules(), 6)
	assert.Len(t, got, 1)
	assert.Contains(t, got[0], `(CEO OR Founder OR "Co-Founder" OR Owner`)
	assert.True(t, strings.HasSuffix(got[0], "site:linkedin.com/in"))
}

func TestPlanQueries_DeepSearchAddsLocatedVariants(t *testing.T) {
	opts := model.JobOptions{
		Platforms:   []model.Platform{model.PlatformLinkedIn, model.PlatformFacebook},
		TitleFilter: []string{"Owner"},
		DeepSearch:  true,
	}
	got := PlanQueries(acme, opts, DefaultTitleRules(), 20)
	assert.Equal(t, []string{
		`"Acme Roofing" (Owner) site:linkedin.com/in`,
		`"Acme Roofing" (Owner) site:facebook.com`,
		`"Acme Roofing" Austin, US (Owner) site:linkedin.com/in`,
		`"Acme Roofing" Austin, US (Owner) site:facebook.com`,
		`"Acme Roofing" Austin, US site:facebook.com (about OR team OR management)`,
		`site:acmeroofing.com (leadership OR management OR executives OR team) (Owner)`,
		`"Acme Roofing" Austin, US (leadership OR management OR executives OR team) (Owner)`,
	}, got)
}

func TestPlanQueries_CapsStandardFirst(t *testing.T) {
	opts := model.JobOptions{
		Platforms:   model.AllPlatforms,
		TitleFilter: []string{"Owner"},
		DeepSearch:  true,
	}
	got := PlanQueries(acme, opts, DefaultTitleRules(), 6)
	assert.Len(t, got, 6)
	for _, q := range got {
		assert.NotContains(t, q, "Austin", "deep variants are trimmed before platform coverage")
	}
}

func TestPlanQueries_WebsiteNeedsDomain(t *testing.T) {
	opts := model.JobOptions{Platforms: []model.Platform{model.PlatformWebsite}, TitleFilter: []string{"Owner"}}

	got := PlanQueries(model.Identity{Name: "Acme"}, opts, DefaultTitleRules(), 6)
	assert.Empty(t, got)

	got = PlanQueries(model.Identity{Name: "Acme", Domain: "acme.com"}, opts, DefaultTitleRules(), 6)
	assert.Equal(t, []string{`site:acme.com (leadership OR management OR executives OR team) (Owner)`}, got)
}

func TestPlanQueries_DomainOnlyIdentity(t *testing.T) {
	opts := model.JobOptions{Platforms: []model.Platform{model.PlatformLinkedIn}, TitleFilter: []string{"CEO"}}
	got := PlanQueries(model.Identity{Domain: "acme.com"}, opts, DefaultTitleRules(), 6)
	assert.Equal(t, []string{`acme.com (CEO) site:linkedin.com/in`}, got)

	assert.Empty(t, PlanQueries(model.Identity{}, opts, DefaultTitleRules(), 6))
}

func TestDedupeQueries(t *testing.T) {
	got := dedupeQueries([]string{"a  b", "a b", "", "c", "d"}, 2)
	assert.Equal(t, []string{"a b", "c"}, got)
}
