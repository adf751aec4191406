package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dm-finder/internal/model"
)

func testRates() Rates {
	return Rates{LLMInputPerMTok: 3.0, LLMOutputPerMTok: 15.0, SearchPer1K: 1.0}
}

func TestLLM(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		prompt     int64
		completion int64
		want       float64
	}{
		{"zero", 0, 0, 0},
		{"one million in", 1_000_000, 0, 3.0},
		{"mixed", 2_000, 1_000, 0.006 + 0.015},
		{"negative clamps", -5, 1_000_000, 15.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.LLM(tt.prompt, tt.completion), 1e-9)
		})
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 0.012, calc.Search(12), 1e-9)
	assert.Zero(t, calc.Search(-1))
}

func TestJobCosts(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	u := model.Usage{
		LLMCallsStarted:     4,
		LLMCallsSucceeded:   3,
		LLMPromptTokens:     10_000,
		LLMCompletionTokens: 2_000,
		SearchCalls:         6,
	}
	jc := calc.JobCosts(u, 2)

	assert.Equal(t, int64(12_000), jc.LLMTotalTokens)
	assert.InDelta(t, 0.06, jc.LLMCostUSD, 1e-9)
	assert.InDelta(t, 0.006, jc.SearchCostUSD, 1e-9)
	assert.InDelta(t, 0.066, jc.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.033, jc.CostPerContactUSD, 1e-9)
	assert.Equal(t, u, UsageOf(jc))
}

func TestJobCosts_NoContactsDividesByOne(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	jc := calc.JobCosts(model.Usage{SearchCalls: 1000}, 0)
	assert.InDelta(t, 1.0, jc.CostPerContactUSD, 1e-9)
}

func TestRoundMoney(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.123457, roundMoney(0.1234567))
	assert.Equal(t, 1.0, roundMoney(0.9999999))
}
