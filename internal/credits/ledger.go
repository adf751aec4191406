// Package credits implements the per-user credit ledger: lot-based grants
// with optional expiry and FIFO debits applied under a per-user lock.
package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

// ErrInsufficientCredits is returned when a debit exceeds the live balance.
// No state is changed when it is returned.
var ErrInsufficientCredits = eris.New("credits: insufficient credits")

// DefaultTopupExpiry is how long purchased top-ups stay spendable.
const DefaultTopupExpiry = 90 * 24 * time.Hour

// Ledger applies credits and debits through a store.
type Ledger struct {
	store       store.Store
	topupExpiry time.Duration
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTopupExpiry overrides DefaultTopupExpiry.
func WithTopupExpiry(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.topupExpiry = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger backed by st.
func NewLedger(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       st,
		topupExpiry: DefaultTopupExpiry,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// Credit appends a positive adjustment. A nil expiresAt never expires.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int, reason string, expiresAt *time.Time) (*model.LedgerEntry, error) {
	return l.grant(ctx, userID, amount, model.LedgerAdjustment, reason, expiresAt, nil)
}

// GrantMonthly grants a plan's monthly allowance, expiring at periodEnd.
func (l *Ledger) GrantMonthly(ctx context.Context, userID, plan string, periodEnd time.Time) (*model.LedgerEntry, error) {
	amount, ok := PlanMonthlyCredits(plan)
	if !ok {
		return nil, eris.Errorf("credits: unknown plan %q", plan)
	}
	return l.grant(ctx, userID, amount, model.LedgerGrantMonthly, "plan:"+plan, &periodEnd,
		map[string]any{"plan": plan})
}

// GrantTopup grants purchased credits that expire after the top-up window.
func (l *Ledger) GrantTopup(ctx context.Context, userID string, amount int, source string) (*model.LedgerEntry, error) {
	exp := l.now().Add(l.topupExpiry)
	return l.grant(ctx, userID, amount, model.LedgerTopup, source, &exp, nil)
}

func (l *Ledger) grant(ctx context.Context, userID string, amount int, kind model.LedgerEventType, source string, expiresAt *time.Time, meta map[string]any) (*model.LedgerEntry, error) {
	if userID == "" {
		return nil, eris.New("credits: user id is required")
	}
	if amount <= 0 {
		return nil, eris.Errorf("credits: grant amount must be positive, got %d", amount)
	}

	now := l.now()
	id := uuid.NewString()
	entry := model.LedgerEntry{
		ID:        id,
		UserID:    userID,
		LotID:     id,
		EventType: kind,
		Delta:     amount,
		Source:    source,
		ExpiresAt: expiresAt,
		Metadata:  meta,
		CreatedAt: now,
	}

	err := l.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockCreditAccount(ctx, userID); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, []model.LedgerEntry{entry}); err != nil {
			return err
		}
		return refreshBalance(ctx, tx, userID, now)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "credits: grant %s to %s", kind, userID)
	}

	zap.L().Info("credits: granted",
		zap.String("user_id", userID),
		zap.String("event_type", string(kind)),
		zap.Int("amount", amount),
	)
	return &entry, nil
}

// ReserveAndDebit atomically checks the live balance and spends amount.
func (l *Ledger) ReserveAndDebit(ctx context.Context, userID string, amount int, jobID string) error {
	return l.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockCreditAccount(ctx, userID); err != nil {
			return err
		}
		return l.DebitTx(ctx, tx, userID, amount, jobID)
	})
}

// DebitTx spends amount inside tx. The caller must already hold the user's
// account lock. On ErrInsufficientCredits nothing has been written.
func (l *Ledger) DebitTx(ctx context.Context, tx store.Tx, userID string, amount int, jobID string) error {
	if amount <= 0 {
		return nil
	}
	now := l.now()
	entries, err := tx.LedgerEntries(ctx, userID, now)
	if err != nil {
		return err
	}
	lots := Lots(entries, now)
	draws, err := Allocate(lots, amount)
	if err != nil {
		return err
	}

	spends := make([]model.LedgerEntry, 0, len(draws))
	for _, d := range draws {
		spends = append(spends, model.LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			LotID:     d.Lot.LotID,
			EventType: model.LedgerSpend,
			Delta:     -d.Amount,
			Source:    "job",
			JobID:     jobID,
			ExpiresAt: d.Lot.ExpiresAt,
			CreatedAt: now,
		})
	}
	if err := tx.AppendLedger(ctx, spends); err != nil {
		return err
	}
	return tx.SetBalance(ctx, userID, Sum(lots)-amount, now)
}

// Balance returns the live balance computed from the ledger. Expired lots
// contribute nothing.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		now := l.now()
		entries, err := tx.LedgerEntries(ctx, userID, now)
		if err != nil {
			return err
		}
		balance = Sum(Lots(entries, now))
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "credits: balance %s", userID)
	}
	return balance, nil
}

// Refresh recomputes the materialized balance, dropping expired lots.
func (l *Ledger) Refresh(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockCreditAccount(ctx, userID); err != nil {
			return err
		}
		now := l.now()
		entries, err := tx.LedgerEntries(ctx, userID, now)
		if err != nil {
			return err
		}
		balance = Sum(Lots(entries, now))
		return tx.SetBalance(ctx, userID, balance, now)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "credits: refresh %s", userID)
	}
	return balance, nil
}

func refreshBalance(ctx context.Context, tx store.Tx, userID string, now time.Time) error {
	entries, err := tx.LedgerEntries(ctx, userID, now)
	if err != nil {
		return err
	}
	return tx.SetBalance(ctx, userID, Sum(Lots(entries, now)), now)
}
