package credits

import (
	"strings"

	"github.com/sells-group/dm-finder/internal/model"
)

// monthlyCredits is the credit allowance granted each billing period per plan.
var monthlyCredits = map[string]int{
	"trial":    20,
	"entry":    7250,
	"pro":      26000,
	"business": 80000,
	"agency":   249000,
}

// PlanMonthlyCredits returns the monthly allowance for a plan name.
func PlanMonthlyCredits(plan string) (int, bool) {
	n, ok := monthlyCredits[strings.ToLower(strings.TrimSpace(plan))]
	return n, ok
}

// Pricing sets the per-company credit cost.
type Pricing struct {
	UnitCost             int `yaml:"unit_cost" mapstructure:"unit_cost"`
	DeepSearchMultiplier int `yaml:"deep_search_multiplier" mapstructure:"deep_search_multiplier"`
	PerExtraPlatform     int `yaml:"per_extra_platform" mapstructure:"per_extra_platform"`
}

// DefaultPricing charges one credit per company, doubled for deep search.
var DefaultPricing = Pricing{UnitCost: 1, DeepSearchMultiplier: 2, PerExtraPlatform: 1}

// UnitCost returns the credits charged for one company under opts. It is
// never below 1.
func UnitCost(opts model.JobOptions, p Pricing) int {
	cost := p.UnitCost
	if opts.DeepSearch && p.DeepSearchMultiplier > 1 {
		cost *= p.DeepSearchMultiplier
	}
	if extra := len(opts.Platforms) - 1; extra > 0 {
		cost += extra * p.PerExtraPlatform
	}
	return max(1, cost)
}
