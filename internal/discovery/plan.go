package discovery

import (
	"strings"

	"github.com/sells-group/dm-finder/internal/model"
)

const leadershipTerms = "(leadership OR management OR executives OR team)"

// platformStrategy describes how one platform is searched. Each field is a
// pure function of the identity and the title clause.
type platformStrategy struct {
	// query builds the standard query; it returns "" when the identity lacks
	// what the platform needs.
	query func(id model.Identity, titles string) string
	// deep builds the extra queries added in deep-search mode.
	deep func(id model.Identity, titles string) []string
}

func siteQuery(site string) func(model.Identity, string) string {
	return func(id model.Identity, titles string) string {
		return join(quoted(id), titles, "site:"+site)
	}
}

func locatedSiteQuery(site string, extra ...string) func(model.Identity, string) []string {
	return func(id model.Identity, titles string) []string {
		if id.Location == "" {
			return nil
		}
		out := []string{join(quoted(id), id.Location, titles, "site:"+site)}
		for _, e := range extra {
			out = append(out, join(quoted(id), id.Location, "site:"+site, e))
		}
		return out
	}
}

var strategies = map[model.Platform]platformStrategy{
	model.PlatformLinkedIn: {
		query: siteQuery("linkedin.com/in"),
		deep:  locatedSiteQuery("linkedin.com/in"),
	},
	model.PlatformGoogleMaps: {
		query: siteQuery("google.com/maps"),
		deep:  locatedSiteQuery("google.com/maps"),
	},
	model.PlatformFacebook: {
		query: siteQuery("facebook.com"),
		deep:  locatedSiteQuery("facebook.com", "(about OR team OR management)"),
	},
	model.PlatformInstagram: {
		query: siteQuery("instagram.com"),
		deep:  locatedSiteQuery("instagram.com", "(bio OR founder)"),
	},
	model.PlatformYelp: {
		query: siteQuery("yelp.com"),
		deep:  locatedSiteQuery("yelp.com"),
	},
	model.PlatformWebsite: {
		query: func(id model.Identity, titles string) string {
			if id.Domain == "" {
				return ""
			}
			return join("site:"+id.Domain, leadershipTerms, titles)
		},
		deep: func(id model.Identity, titles string) []string {
			if id.Location == "" {
				return nil
			}
			return []string{join(quoted(id), id.Location, leadershipTerms, titles)}
		},
	},
}

// PlanQueries builds the ordered, deduplicated search queries for one
// company. Standard queries for every platform come first so the cap trims
// deep-search extras before it trims platform coverage. LinkedIn is always
// planned first when selected.
func PlanQueries(id model.Identity, opts model.JobOptions, rules *TitleRules, maxQueries int) []string {
	if quoted(id) == "" {
		return nil
	}
	keywords := opts.TitleFilter
	if len(keywords) == 0 {
		keywords = rules.QueryKeywords()
	}
	titles := titleClause(keywords)
	platforms := orderPlatforms(opts.Platforms)

	var out []string
	for _, p := range platforms {
		if s, ok := strategies[p]; ok {
			out = append(out, s.query(id, titles))
		}
	}
	if opts.DeepSearch {
		for _, p := range platforms {
			if s, ok := strategies[p]; ok {
				out = append(out, s.deep(id, titles)...)
			}
		}
		if id.Domain != "" {
			out = append(out, strategies[model.PlatformWebsite].query(id, titles))
		}
		out = append(out, join(quoted(id), id.Location, leadershipTerms, titles))
	}
	return dedupeQueries(out, maxQueries)
}

func orderPlatforms(in []model.Platform) []model.Platform {
	out := make([]model.Platform, 0, len(in))
	for _, p := range in {
		if p == model.PlatformLinkedIn {
			out = append([]model.Platform{p}, out...)
			continue
		}
		out = append(out, p)
	}
	return out
}

func dedupeQueries(qs []string, limit int) []string {
	seen := make(map[string]bool, len(qs))
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		q = strings.Join(strings.Fields(q), " ")
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func titleClause(keywords []string) string {
	var terms []string
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.ContainsRune(k, ' ') && !strings.HasPrefix(k, `"`) {
			k = `"` + k + `"`
		}
		terms = append(terms, k)
	}
	if len(terms) == 0 {
		return ""
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

// quoted is the company term of a query: the quoted name, or the bare
// domain when enrichment found no name.
func quoted(id model.Identity) string {
	if id.Name != "" {
		return `"` + strings.ReplaceAll(id.Name, `"`, "") + `"`
	}
	return id.Domain
}

func join(parts ...string) string {
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
