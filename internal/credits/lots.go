package credits

import (
	"sort"
	"time"

	"github.com/sells-group/dm-finder/internal/model"
)

// Lots folds live ledger entries into per-lot remaining balances, ordered
// for FIFO spending: earliest expiry first, non-expiring last, then oldest.
// Lots with nothing left are omitted.
func Lots(entries []model.LedgerEntry, now time.Time) []model.CreditLot {
	byID := make(map[string]*model.CreditLot)
	var order []string
	for _, e := range entries {
		if !e.LiveAt(now) {
			continue
		}
		lot, ok := byID[e.LotID]
		if !ok {
			lot = &model.CreditLot{LotID: e.LotID, ExpiresAt: e.ExpiresAt, CreatedAt: e.CreatedAt}
			byID[e.LotID] = lot
			order = append(order, e.LotID)
		}
		lot.Remaining += e.Delta
		if e.Delta > 0 && e.CreatedAt.Before(lot.CreatedAt) {
			lot.CreatedAt = e.CreatedAt
		}
	}

	lots := make([]model.CreditLot, 0, len(order))
	for _, id := range order {
		if l := byID[id]; l.Remaining > 0 {
			lots = append(lots, *l)
		}
	}
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return lots
}

// Sum returns the total remaining balance across lots.
func Sum(lots []model.CreditLot) int {
	total := 0
	for _, l := range lots {
		total += l.Remaining
	}
	return total
}

// Draw is the part of a debit taken from one lot.
type Draw struct {
	Lot    model.CreditLot
	Amount int
}

// Allocate splits amount across lots in order. It returns
// ErrInsufficientCredits when the lots cannot cover the amount.
func Allocate(lots []model.CreditLot, amount int) ([]Draw, error) {
	if Sum(lots) < amount {
		return nil, ErrInsufficientCredits
	}
	var draws []Draw
	left := amount
	for _, l := range lots {
		if left == 0 {
			break
		}
		take := min(l.Remaining, left)
		draws = append(draws, Draw{Lot: l, Amount: take})
		left -= take
	}
	return draws, nil
}
