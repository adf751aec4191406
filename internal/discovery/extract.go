package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dm-finder/internal/gateway"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
)

const extractSystemPrompt = `You are a research assistant. Find real people who are decision makers for the given company. Return only JSON.`

var extractSchema = json.RawMessage(`{"people":[{"name":"string","title":"string","platform":"linkedin|google_maps|facebook|instagram|yelp|website","profile_url":"string","confidence":"HIGH|MEDIUM|LOW","reasoning":"string"}]}`)

var extractConstraints = []string{
	"Use only the evidence provided. Do not invent people, titles or URLs.",
	"Only include people with strong evidence that they currently hold a leadership role at this company.",
	"profile_url must be the evidence URL that supports the person.",
	"reasoning must cite what the evidence says.",
	"Prefer LinkedIn profile URLs when available.",
	"confidence must be HIGH, MEDIUM, or LOW.",
}

type extractRequest struct {
	CompanyName  string           `json:"company_name"`
	Website      string           `json:"website,omitempty"`
	Location     string           `json:"location,omitempty"`
	Industry     string           `json:"industry,omitempty"`
	Platforms    []model.Platform `json:"platforms"`
	MaxPeople    int              `json:"max_people"`
	Evidence     []evidence       `json:"evidence"`
	OutputSchema json.RawMessage  `json:"output_schema"`
	Constraints  []string         `json:"constraints"`
}

type evidence struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt,omitempty"`
}

// rawCandidate is one person as the model reported it.
type rawCandidate struct {
	Name       string `json:"name"`
	Title      string `json:"title"`
	Platform   string `json:"platform"`
	ProfileURL string `json:"profile_url"`
	Confidence string `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

func (e *Engine) extract(ctx context.Context, id model.Identity, opts model.JobOptions, limit int, out *Outcome) ([]rawCandidate, error) {
	req := extractRequest{
		CompanyName:  id.Name,
		Website:      id.Domain,
		Location:     id.Location,
		Industry:     id.Industry,
		Platforms:    opts.Platforms,
		MaxPeople:    limit,
		OutputSchema: extractSchema,
		Constraints:  extractConstraints,
	}
	for _, s := range out.Snippets {
		req.Evidence = append(req.Evidence, evidence{Title: s.Title, URL: s.URL, Excerpt: s.Excerpt})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	prompt := gateway.Prompt{System: extractSystemPrompt, User: string(payload)}
	out.LLMInput = prompt.User

	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("inference", "extract")
	raw, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (json.RawMessage, error) {
		if out.LLMCallAt == nil {
			at := e.now()
			out.LLMCallAt = &at
		}
		var doc json.RawMessage
		out.Usage.LLMCallsStarted++
		c, err := gateway.CompleteJSON(ctx, e.inference, prompt, &doc)
		if c != nil {
			out.Usage.LLMCallsSucceeded++
			out.Usage.LLMPromptTokens += c.PromptTokens
			out.Usage.LLMCompletionTokens += c.CompletionTokens
			out.LLMOutput = c.Text
		}
		return doc, err
	})
	if err != nil {
		return nil, err
	}
	return coercePeople(raw)
}

// coercePeople accepts {"people":[...]} or a bare array and keeps only the
// items that decode as objects. Any other shape is an InvalidResponseError.
func coercePeople(doc json.RawMessage) ([]rawCandidate, error) {
	doc = bytes.TrimSpace(doc)
	var items []json.RawMessage
	if len(doc) > 0 && doc[0] == '[' {
		if err := json.Unmarshal(doc, &items); err != nil {
			return nil, resilience.NewInvalidResponseError(eris.Wrap(err, "discovery: decode people array"), string(doc))
		}
	} else {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(doc, &wrapper); err != nil {
			return nil, resilience.NewInvalidResponseError(eris.Wrap(err, "discovery: decode people object"), string(doc))
		}
		people, ok := wrapper["people"]
		if !ok {
			return nil, resilience.NewInvalidResponseError(eris.New(`discovery: response has no "people" key`), string(doc))
		}
		if err := json.Unmarshal(people, &items); err != nil {
			return nil, resilience.NewInvalidResponseError(eris.Wrap(err, `discovery: "people" is not an array`), string(doc))
		}
	}

	out := make([]rawCandidate, 0, len(items))
	for _, it := range items {
		it = bytes.TrimSpace(it)
		if len(it) == 0 || it[0] != '{' {
			continue
		}
		var c rawCandidate
		if err := json.Unmarshal(it, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type ranked struct {
	model.Candidate
	rank int
}

// finalize validates the model's candidates and orders them. A candidate
// needs a profile URL, reasoning, a name and a decision-maker title; missing
// names and titles are recovered from the matching search result.
func (e *Engine) finalize(raw []rawCandidate, snippets []model.Snippet, limit int) []model.Candidate {
	byURL := make(map[string]model.Snippet, len(snippets))
	for _, s := range snippets {
		byURL[urlKey(s.URL)] = s
	}

	seen := make(map[string]bool)
	var kept []ranked
	for _, rc := range raw {
		url := strings.TrimSpace(rc.ProfileURL)
		reasoning := strings.TrimSpace(rc.Reasoning)
		if url == "" || reasoning == "" {
			continue
		}
		key := urlKey(url)
		if seen[key] {
			continue
		}
		src := byURL[key]

		name := firstNonEmpty(rc.Name, GuessName(src.Title))
		title := firstNonEmpty(rc.Title, GuessTitle(src.Title), GuessTitle(reasoning))
		if name == "" {
			continue
		}
		rule, ok := e.rules.Match(title)
		if !ok {
			continue
		}

		platform, ok := model.ParsePlatform(rc.Platform)
		if !ok {
			platform = platformFromURL(url)
		}
		seen[key] = true
		kept = append(kept, ranked{
			Candidate: model.Candidate{
				Name:       name,
				Title:      title,
				Platform:   platform,
				ProfileURL: url,
				Confidence: model.ParseConfidence(rc.Confidence),
				Reasoning:  reasoning,
			},
			rank: rule.Rank,
		})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].rank != kept[j].rank {
			return kept[i].rank < kept[j].rank
		}
		return kept[i].Confidence.Rank() > kept[j].Confidence.Rank()
	})
	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]model.Candidate, len(kept))
	for i, k := range kept {
		out[i] = k.Candidate
	}
	return out
}

func platformFromURL(u string) model.Platform {
	l := strings.ToLower(u)
	switch {
	case strings.Contains(l, "linkedin.com/"):
		return model.PlatformLinkedIn
	case strings.Contains(l, "google.com/maps"), strings.Contains(l, "maps.google."), strings.Contains(l, "goo.gl/maps"):
		return model.PlatformGoogleMaps
	case strings.Contains(l, "facebook.com/"):
		return model.PlatformFacebook
	case strings.Contains(l, "instagram.com/"):
		return model.PlatformInstagram
	case strings.Contains(l, "yelp.com/"):
		return model.PlatformYelp
	default:
		return model.PlatformWebsite
	}
}
