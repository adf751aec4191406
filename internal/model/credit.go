package model

import "time"

// LedgerEventType classifies a credit ledger entry.
type LedgerEventType string

const (
	LedgerGrantMonthly LedgerEventType = "grant_monthly"
	LedgerTopup        LedgerEventType = "topup"
	LedgerAdjustment   LedgerEventType = "adjustment"
	LedgerSpend        LedgerEventType = "spend"
)

// LedgerEntry is an append-only record of a balance change.
type LedgerEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	LotID     string          `json:"lot_id"`
	EventType LedgerEventType `json:"event_type"`
	Delta     int             `json:"delta"`
	Source    string          `json:"source"`
	JobID     string          `json:"job_id,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LiveAt reports whether the entry still counts toward the balance at t.
func (e LedgerEntry) LiveAt(t time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(t)
}

// CreditLot is the remaining balance of one positive grant.
type CreditLot struct {
	LotID     string     `json:"lot_id"`
	Remaining int        `json:"remaining"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreditAccount is the materialized balance for a user.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Balance   int       `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}
