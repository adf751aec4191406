package credits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dm-finder/internal/model"
)

func ptr(t time.Time) *time.Time { return &t }

func TestLots_OrdersByExpiryThenAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []model.LedgerEntry{
		{LotID: "forever", Delta: 3, CreatedAt: now.Add(-72 * time.Hour)},
		{LotID: "late", Delta: 4, ExpiresAt: ptr(now.Add(48 * time.Hour)), CreatedAt: now.Add(-48 * time.Hour)},
		{LotID: "soon", Delta: 5, ExpiresAt: ptr(now.Add(24 * time.Hour)), CreatedAt: now.Add(-24 * time.Hour)},
		{LotID: "gone", Delta: 9, ExpiresAt: ptr(now.Add(-time.Hour)), CreatedAt: now.Add(-96 * time.Hour)},
		{LotID: "soon", Delta: -2, ExpiresAt: ptr(now.Add(24 * time.Hour)), CreatedAt: now},
	}

	lots := Lots(entries, now)
	require.Len(t, lots, 3)
	assert.Equal(t, "soon", lots[0].LotID)
	assert.Equal(t, 3, lots[0].Remaining)
	assert.Equal(t, "late", lots[1].LotID)
	assert.Equal(t, "forever", lots[2].LotID)
	assert.Equal(t, 10, Sum(lots))
}

func TestLots_DropsExhausted(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lots := Lots([]model.LedgerEntry{
		{LotID: "a", Delta: 2, CreatedAt: now},
		{LotID: "a", Delta: -2, CreatedAt: now},
	}, now)
	assert.Empty(t, lots)
}

func TestAllocate(t *testing.T) {
	lots := []model.CreditLot{
		{LotID: "a", Remaining: 2},
		{LotID: "b", Remaining: 5},
	}

	draws, err := Allocate(lots, 4)
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, "a", draws[0].Lot.LotID)
	assert.Equal(t, 2, draws[0].Amount)
	assert.Equal(t, "b", draws[1].Lot.LotID)
	assert.Equal(t, 2, draws[1].Amount)

	_, err = Allocate(lots, 8)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestUnitCost(t *testing.T) {
	tests := []struct {
		name string
		opts model.JobOptions
		p    Pricing
		want int
	}{
		{"default", model.JobOptions{Platforms: []model.Platform{model.PlatformLinkedIn}}, DefaultPricing, 1},
		{"deep search", model.JobOptions{Platforms: []model.Platform{model.PlatformLinkedIn}, DeepSearch: true}, DefaultPricing, 2},
		{"extra platforms", model.JobOptions{Platforms: []model.Platform{model.PlatformLinkedIn, model.PlatformFacebook, model.PlatformYelp}}, DefaultPricing, 3},
		{"deep and extra", model.JobOptions{Platforms: []model.Platform{model.PlatformLinkedIn, model.PlatformWebsite}, DeepSearch: true}, DefaultPricing, 3},
		{"floor at one", model.JobOptions{}, Pricing{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnitCost(tt.opts, tt.p))
		})
	}
}

func TestPlanMonthlyCredits(t *testing.T) {
	n, ok := PlanMonthlyCredits("Pro")
	assert.True(t, ok)
	assert.Equal(t, 26000, n)

	_, ok = PlanMonthlyCredits("platinum")
	assert.False(t, ok)
}
