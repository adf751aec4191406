package credits

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

func newTestLedger(t *testing.T, now *time.Time) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *now
	}
	return NewLedger(st, WithClock(clock), WithTopupExpiry(time.Hour)), st
}

func TestLedger_ReserveAndDebit(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, st := newTestLedger(t, &now)
	ctx := context.Background()

	_, err := l.Credit(ctx, "user-1", 5, "welcome", nil)
	require.NoError(t, err)

	require.NoError(t, l.ReserveAndDebit(ctx, "user-1", 2, "job-1"))
	require.NoError(t, l.ReserveAndDebit(ctx, "user-1", 2, "job-1"))
	err = l.ReserveAndDebit(ctx, "user-1", 2, "job-1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bal)

	acct, err := st.GetCreditAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.Balance)

	entries, err := st.ListLedger(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "failed debit writes nothing")
}

func TestLedger_ExpiredTopupStopsCounting(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	_, err := l.GrantTopup(ctx, "user-1", 10, "stripe")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "user-1", 3, "goodwill", nil)
	require.NoError(t, err)

	// Spends come from the expiring lot first.
	require.NoError(t, l.ReserveAndDebit(ctx, "user-1", 4, "job-1"))

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 9, bal)

	now = now.Add(2 * time.Hour)
	bal, err = l.Refresh(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, bal)
}

func TestLedger_GrantMonthly(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	entry, err := l.GrantMonthly(ctx, "user-1", "trial", now.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, model.LedgerGrantMonthly, entry.EventType)
	assert.Equal(t, 20, entry.Delta)

	_, err = l.GrantMonthly(ctx, "user-1", "gold", now)
	assert.Error(t, err)
}

func TestLedger_GrantRejectsNonPositive(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)

	_, err := l.Credit(context.Background(), "user-1", 0, "nothing", nil)
	assert.Error(t, err)
}

func TestLedger_ConcurrentDebitsNeverOverspend(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	_, err := l.Credit(ctx, "user-1", 5, "welcome", nil)
	require.NoError(t, err)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := l.ReserveAndDebit(ctx, "user-1", 1, "job-1"); {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrInsufficientCredits):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(7), short.Load())

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, bal)
}
