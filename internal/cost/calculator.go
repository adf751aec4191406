// Package cost turns external call usage into USD figures for a job.
package cost

import (
	"math"

	"github.com/sells-group/dm-finder/internal/model"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	LLMInputPerMTok  float64 `yaml:"llm_input_per_mtok" mapstructure:"llm_input_per_mtok"`
	LLMOutputPerMTok float64 `yaml:"llm_output_per_mtok" mapstructure:"llm_output_per_mtok"`
	SearchPer1K      float64 `yaml:"search_per_1k" mapstructure:"search_per_1k"`
}

// DefaultRates returns the default pricing: Sonar-class tokens and
// Serper's pay-as-you-go query price.
func DefaultRates() Rates {
	return Rates{
		LLMInputPerMTok:  1.00,
		LLMOutputPerMTok: 1.00,
		SearchPer1K:      1.00,
	}
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// LLM returns the token cost of a prompt/completion pair.
func (c *Calculator) LLM(promptTokens, completionTokens int64) float64 {
	pt := float64(max(0, promptTokens))
	ct := float64(max(0, completionTokens))
	return pt/1e6*c.rates.LLMInputPerMTok + ct/1e6*c.rates.LLMOutputPerMTok
}

// Search returns the cost of n search calls.
func (c *Calculator) Search(calls int) float64 {
	return float64(max(0, calls)) / 1000 * c.rates.SearchPer1K
}

// JobCosts derives the persisted cost fields from accumulated usage.
// Money values are rounded to six decimals.
func (c *Calculator) JobCosts(u model.Usage, contactsFound int) model.JobCosts {
	llm := c.LLM(u.LLMPromptTokens, u.LLMCompletionTokens)
	search := c.Search(u.SearchCalls)
	total := llm + search
	return model.JobCosts{
		LLMCallsStarted:     u.LLMCallsStarted,
		LLMCallsSucceeded:   u.LLMCallsSucceeded,
		LLMPromptTokens:     u.LLMPromptTokens,
		LLMCompletionTokens: u.LLMCompletionTokens,
		LLMTotalTokens:      u.LLMPromptTokens + u.LLMCompletionTokens,
		SearchCalls:         u.SearchCalls,
		LLMCostUSD:          roundMoney(llm),
		SearchCostUSD:       roundMoney(search),
		TotalCostUSD:        roundMoney(total),
		CostPerContactUSD:   roundMoney(total / float64(max(1, contactsFound))),
	}
}

// UsageOf reverses JobCosts back into raw usage counters.
func UsageOf(jc model.JobCosts) model.Usage {
	return model.Usage{
		LLMCallsStarted:     jc.LLMCallsStarted,
		LLMCallsSucceeded:   jc.LLMCallsSucceeded,
		LLMPromptTokens:     jc.LLMPromptTokens,
		LLMCompletionTokens: jc.LLMCompletionTokens,
		SearchCalls:         jc.SearchCalls,
	}
}

func roundMoney(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
