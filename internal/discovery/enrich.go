package discovery

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sells-group/dm-finder/internal/cache"
	"github.com/sells-group/dm-finder/internal/gateway"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
)

const enrichSystemPrompt = `You normalize company records from spreadsheets. Columns are often mislabeled: a company name column may hold a URL, an address, or a person. Return only JSON.`

type enrichRequest struct {
	CompanyName  string            `json:"company_name,omitempty"`
	Website      string            `json:"website,omitempty"`
	Location     string            `json:"location,omitempty"`
	Address      string            `json:"address,omitempty"`
	Industry     string            `json:"industry,omitempty"`
	OutputSchema map[string]string `json:"output_schema"`
}

type enrichResponse struct {
	CompanyName    string `json:"company_name"`
	CompanyWebsite string `json:"company_website"`
	CompanyType    string `json:"company_type"`
	CompanyCity    string `json:"company_city"`
	CompanyCountry string `json:"company_country"`
}

var enrichSchema = map[string]string{
	"company_name":    "canonical company name, never a URL",
	"company_website": "primary website or empty",
	"company_type":    "industry or business type",
	"company_city":    "city or empty",
	"company_country": "country or empty",
}

var urlish = regexp.MustCompile(`(?i)https?://|www\.|^[a-z0-9-]+(\.[a-z0-9-]+)+(/.*)?$`)

// enrich resolves the row's identity, consulting the cache first.
func (e *Engine) enrich(ctx context.Context, row model.CompanyRow, out *Outcome) (model.Identity, error) {
	compute := func(ctx context.Context) (model.Identity, error) {
		resp, err := e.callEnrich(ctx, row, out)
		if err != nil {
			return model.Identity{}, err
		}
		return identityFrom(row, resp), nil
	}
	if e.identities == nil {
		return compute(ctx)
	}
	key := cache.Fingerprint("enrich", row.Name, row.Website, row.Location, row.Industry, row.Address)
	return e.identities.GetOrCompute(ctx, key, e.cfg.CacheTTL, compute)
}

func (e *Engine) callEnrich(ctx context.Context, row model.CompanyRow, out *Outcome) (enrichResponse, error) {
	payload, err := json.Marshal(enrichRequest{
		CompanyName:  row.Name,
		Website:      row.Website,
		Location:     row.Location,
		Address:      row.Address,
		Industry:     row.Industry,
		OutputSchema: enrichSchema,
	})
	if err != nil {
		return enrichResponse{}, err
	}
	prompt := gateway.Prompt{System: enrichSystemPrompt, User: string(payload), MaxTokens: 512}

	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("inference", "enrich")
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (enrichResponse, error) {
		var resp enrichResponse
		out.Usage.LLMCallsStarted++
		c, err := gateway.CompleteJSON(ctx, e.inference, prompt, &resp)
		if c != nil {
			out.Usage.LLMCallsSucceeded++
			out.Usage.LLMPromptTokens += c.PromptTokens
			out.Usage.LLMCompletionTokens += c.CompletionTokens
		}
		return resp, err
	})
}

// identityFrom merges the model's answer with the raw row. Model fields win
// when present; a name that looks like a URL is discarded.
func identityFrom(row model.CompanyRow, r enrichResponse) model.Identity {
	name := strings.TrimSpace(r.CompanyName)
	if urlish.MatchString(name) {
		name = ""
	}
	if name == "" && !urlish.MatchString(row.Name) {
		name = strings.TrimSpace(row.Name)
	}

	website := firstNonEmpty(r.CompanyWebsite, row.Website)
	if website == "" && urlish.MatchString(row.Name) {
		website = row.Name
	}
	domain := cache.NormalizeWebsite(website)
	if name == "" {
		name = nameFromDomain(domain)
	}

	location := joinNonEmpty(", ", r.CompanyCity, r.CompanyCountry)
	if location == "" {
		location = firstNonEmpty(row.Location, row.Address)
	}

	return model.Identity{
		Name:     name,
		Domain:   domain,
		Industry: firstNonEmpty(r.CompanyType, row.Industry),
		Location: location,
	}
}

// nameFromDomain turns "acme-roofing.com" into "Acme Roofing".
func nameFromDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return ""
	}
	words := strings.Fields(strings.ReplaceAll(parts[len(parts)-2], "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(sep string, vals ...string) string {
	var parts []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}
