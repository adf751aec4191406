package rowsource

import (
	"strings"

	"github.com/sells-group/dm-finder/internal/model"
)

// mappingTarget scores header names for one ColumnMapping field.
type mappingTarget struct {
	field    string
	keywords []string
	set      func(*model.ColumnMapping, string)
}

var mappingTargets = []mappingTarget{
	{"company_name", []string{"company", "name", "business", "organization"}, func(m *model.ColumnMapping, c string) { m.CompanyName = c }},
	{"website", []string{"website", "site", "web", "domain"}, func(m *model.ColumnMapping, c string) { m.Website = c }},
	{"industry", []string{"industry", "category", "sector"}, func(m *model.ColumnMapping, c string) { m.Industry = c }},
	{"address", []string{"address", "street"}, func(m *model.ColumnMapping, c string) { m.Address = c }},
	{"location", []string{"location", "city", "state", "country", "region"}, func(m *model.ColumnMapping, c string) { m.Location = c }},
}

var nameNegative = []string{"url", "website", "web", "domain", "http", "link"}

func scoreColumn(field string, keywords []string, col string) int {
	c := strings.ToLower(strings.TrimSpace(col))
	s := 0
	for _, kw := range keywords {
		if c == kw {
			s += 50
		}
		if strings.Contains(c, kw) {
			s += 10
		}
	}
	switch field {
	case "company_name":
		for _, bad := range nameNegative {
			if strings.Contains(c, bad) {
				s -= 100
				break
			}
		}
		if strings.Contains(c, "company") {
			s += 25
		}
		if c == "name" || c == "company" {
			s += 25
		}
	case "website":
		for _, k := range []string{"url", "http", "www", "link"} {
			if strings.Contains(c, k) {
				s += 15
				break
			}
		}
	}
	return s
}

// SuggestMapping guesses which header holds each company field. Each column
// is used at most once; fields with no positive match stay empty.
func SuggestMapping(header []string) model.ColumnMapping {
	var m model.ColumnMapping
	used := make(map[string]bool, len(header))
	for _, t := range mappingTargets {
		best, bestScore := "", 0
		for _, col := range header {
			if used[col] {
				continue
			}
			if s := scoreColumn(t.field, t.keywords, col); s > bestScore {
				best, bestScore = col, s
			}
		}
		if best != "" {
			t.set(&m, best)
			used[best] = true
		}
	}
	return m
}
