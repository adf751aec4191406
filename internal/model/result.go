package model

import (
	"strings"
	"time"
)

// Platform is a discovery source a job can target.
type Platform string

const (
	PlatformLinkedIn   Platform = "linkedin"
	PlatformGoogleMaps Platform = "google_maps"
	PlatformFacebook   Platform = "facebook"
	PlatformInstagram  Platform = "instagram"
	PlatformYelp       Platform = "yelp"
	PlatformWebsite    Platform = "website"
)

// AllPlatforms lists every supported platform in display order.
var AllPlatforms = []Platform{
	PlatformLinkedIn, PlatformGoogleMaps, PlatformFacebook,
	PlatformInstagram, PlatformYelp, PlatformWebsite,
}

// ParsePlatform accepts the canonical name plus a few display spellings.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linkedin":
		return PlatformLinkedIn, true
	case "google_maps", "google maps", "gmaps", "googlemaps":
		return PlatformGoogleMaps, true
	case "facebook":
		return PlatformFacebook, true
	case "instagram":
		return PlatformInstagram, true
	case "yelp":
		return PlatformYelp, true
	case "website", "web":
		return PlatformWebsite, true
	}
	return "", false
}

// Confidence is the coarse certainty tier assigned to a candidate.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// ParseConfidence normalizes a model-provided tier. Unknown values map to LOW.
func ParseConfidence(s string) Confidence {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return ConfidenceHigh
	case "MEDIUM", "MED":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Rank orders tiers; higher is more certain.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// Snippet is one web search result.
type Snippet struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt"`
	Query   string `json:"query,omitempty"`
}

// Candidate is a decision-maker proposed by extraction, before persistence.
type Candidate struct {
	Name       string     `json:"name"`
	Title      string     `json:"title"`
	Platform   Platform   `json:"platform"`
	ProfileURL string     `json:"profile_url"`
	Confidence Confidence `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

// DecisionMaker is one discovered person for one company within a job.
type DecisionMaker struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	RowIndex int    `json:"row_index"`

	CompanyName    string `json:"company_name"`
	CompanyType    string `json:"company_type,omitempty"`
	CompanyWebsite string `json:"company_website,omitempty"`
	CompanyAddress string `json:"company_address,omitempty"`

	Name       string     `json:"name"`
	Title      string     `json:"title"`
	Platform   Platform   `json:"platform"`
	ProfileURL string     `json:"profile_url"`
	Confidence Confidence `json:"confidence"`
	Reasoning  string     `json:"reasoning"`

	LLMInput      string     `json:"llm_input,omitempty"`
	LLMOutput     string     `json:"llm_output,omitempty"`
	SearchQueries []string   `json:"search_queries,omitempty"`
	LLMCallAt     *time.Time `json:"llm_call_at,omitempty"`
	SearchCallAt  *time.Time `json:"search_call_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
