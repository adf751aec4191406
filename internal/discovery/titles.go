package discovery

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// TitleRule matches one family of decision-maker titles. Lower Rank is more
// senior.
type TitleRule struct {
	Keyword string `yaml:"keyword"`
	Pattern string `yaml:"pattern"`
	Rank    int    `yaml:"rank"`

	re *regexp.Regexp
}

// TitleRules decides whether a job title belongs to a decision-maker and
// supplies the default title keywords for search queries.
type TitleRules struct {
	negative      []*regexp.Regexp
	positive      []TitleRule
	queryKeywords []string
}

// titleRulesFile is the on-disk override format.
type titleRulesFile struct {
	Negative      []string    `yaml:"negative"`
	Positive      []TitleRule `yaml:"positive"`
	QueryKeywords []string    `yaml:"query_keywords"`
}

var defaultNegative = []string{
	`\bassistant\b`,
	`\bintern\b`,
	`\bcoordinator\b`,
	`\breceptionist\b`,
	`\bclerk\b`,
	`\btechnician\b`,
	`\bsupport\b`,
	`\bcustomer\s+service\b`,
	`\brepresentative\b`,
	`\bspecialist\b`,
	`\bassociate\b`,
	`\bstaff\b`,
}

// Specific patterns come before the generic ones they contain, so "Vice
// President" is not reported as "President".
var defaultPositive = []TitleRule{
	{Keyword: "CEO", Pattern: `\bceo\b|\bchief\s+executive\s+officer\b`, Rank: 1},
	{Keyword: "Founder", Pattern: `\bco[- ]?founder\b|\bfounder\b`, Rank: 1},
	{Keyword: "Owner", Pattern: `\bowner\b`, Rank: 1},
	{Keyword: "Senior Vice President", Pattern: `\bsenior\s+vice\s+president\b|\bsvp\b`, Rank: 4},
	{Keyword: "Vice President", Pattern: `\bvice\s+president\b|\bvp\b`, Rank: 5},
	{Keyword: "President", Pattern: `\bpresident\b`, Rank: 1},
	{Keyword: "Chairman", Pattern: `\bchairman\b|\bchair\b`, Rank: 1},
	{Keyword: "COO", Pattern: `\bcoo\b|\bchief\s+operating\s+officer\b`, Rank: 2},
	{Keyword: "CFO", Pattern: `\bcfo\b|\bchief\s+financial\s+officer\b`, Rank: 2},
	{Keyword: "CTO", Pattern: `\bcto\b|\bchief\s+technology\s+officer\b`, Rank: 2},
	{Keyword: "CIO", Pattern: `\bcio\b|\bchief\s+information\s+officer\b`, Rank: 2},
	{Keyword: "CMO", Pattern: `\bcmo\b|\bchief\s+marketing\s+officer\b`, Rank: 2},
	{Keyword: "Chief", Pattern: `\bchief\b`, Rank: 2},
	{Keyword: "Managing Partner", Pattern: `\bmanaging\s+partner\b`, Rank: 2},
	{Keyword: "Managing Director", Pattern: `\bmanaging\s+director\b`, Rank: 2},
	{Keyword: "Managing Member", Pattern: `\bmanaging\s+member\b`, Rank: 2},
	{Keyword: "General Manager", Pattern: `\bgeneral\s+manager\b`, Rank: 3},
	{Keyword: "Partner", Pattern: `\bpartner\b`, Rank: 3},
	{Keyword: "Principal", Pattern: `\bprincipal\b`, Rank: 3},
	{Keyword: "Senior Head", Pattern: `\bsenior\s+head\b`, Rank: 5},
	{Keyword: "Senior Director", Pattern: `\bsenior\s+director\b`, Rank: 5},
	{Keyword: "Head", Pattern: `\bhead\b`, Rank: 6},
	{Keyword: "Director", Pattern: `\bdirector\b`, Rank: 6},
}

var defaultQueryKeywords = []string{
	"CEO", "Founder", `"Co-Founder"`, "Owner", "President",
	`"Managing Director"`, `"General Manager"`, `"Senior Head"`, `"Head of"`,
	`"Senior Director"`, "Director", `"Senior Vice President"`, `"Vice President"`,
	"SVP", "VP", "COO", "CFO", "CTO", "CIO", "CMO", "Partner", "Principal",
	`"Managing Partner"`, `"Managing Member"`, "Chairman",
}

// DefaultTitleRules returns the built-in rule set.
func DefaultTitleRules() *TitleRules {
	r, err := newTitleRules(titleRulesFile{
		Negative:      defaultNegative,
		Positive:      defaultPositive,
		QueryKeywords: defaultQueryKeywords,
	})
	if err != nil {
		panic(err) // built-in patterns are constant
	}
	return r
}

// LoadTitleRules reads a YAML override. Sections missing from the file keep
// their defaults.
func LoadTitleRules(path string) (*TitleRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: read title rules %s", path)
	}
	var f titleRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "discovery: parse title rules %s", path)
	}
	if len(f.Negative) == 0 {
		f.Negative = defaultNegative
	}
	if len(f.Positive) == 0 {
		f.Positive = defaultPositive
	}
	if len(f.QueryKeywords) == 0 {
		f.QueryKeywords = defaultQueryKeywords
	}
	return newTitleRules(f)
}

func newTitleRules(f titleRulesFile) (*TitleRules, error) {
	r := &TitleRules{queryKeywords: f.QueryKeywords}
	for _, p := range f.Negative {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, eris.Wrapf(err, "discovery: negative title pattern %q", p)
		}
		r.negative = append(r.negative, re)
	}
	for _, rule := range f.Positive {
		if rule.Keyword == "" || rule.Pattern == "" {
			return nil, eris.New("discovery: positive title rule needs keyword and pattern")
		}
		re, err := regexp.Compile(`(?i)` + rule.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "discovery: title pattern for %s", rule.Keyword)
		}
		rule.re = re
		if rule.Rank <= 0 {
			rule.Rank = len(f.Positive)
		}
		r.positive = append(r.positive, rule)
	}
	return r, nil
}

// Match reports whether title is a decision-maker title and, if so, the
// matching rule. Negative patterns always win.
func (r *TitleRules) Match(title string) (TitleRule, bool) {
	t := strings.TrimSpace(title)
	if t == "" {
		return TitleRule{}, false
	}
	for _, re := range r.negative {
		if re.MatchString(t) {
			return TitleRule{}, false
		}
	}
	for _, rule := range r.positive {
		if rule.re.MatchString(t) {
			return rule, true
		}
	}
	return TitleRule{}, false
}

// QueryKeywords returns the title terms used in queries when a job sets no
// title filter.
func (r *TitleRules) QueryKeywords() []string {
	return r.queryKeywords
}

var (
	linkedInNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.+?)\s+-\s+.+?\s+\|\s+LinkedIn\s*$`),
		regexp.MustCompile(`(?i)^(.+?)\s+\|\s+LinkedIn\s*$`),
	}
	siteSuffix = regexp.MustCompile(`(?i)\s+\|\s*(LinkedIn|Facebook|Instagram|Yelp)\s*$`)
	atCompany  = regexp.MustCompile(`(?i)\s+\bat\b\s+`)
)

// GuessName extracts a person's name from a result title shaped like
// "Jane Doe - CEO - Acme | LinkedIn".
func GuessName(resultTitle string) string {
	t := strings.TrimSpace(resultTitle)
	for _, re := range linkedInNamePatterns {
		if m := re.FindStringSubmatch(t); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// GuessTitle extracts the role segment from "Name - Role at Company | Site".
func GuessTitle(resultTitle string) string {
	t := strings.TrimSpace(siteSuffix.ReplaceAllString(strings.TrimSpace(resultTitle), ""))
	var parts []string
	for _, p := range strings.Split(t, " - ") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return ""
	}
	role := atCompany.Split(parts[1], 2)[0]
	return strings.Join(strings.Fields(role), " ")
}
