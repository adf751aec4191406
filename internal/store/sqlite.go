package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dm-finder/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. A single connection
// serializes transactions, which stands in for Postgres row locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	filename              TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'queued',
	column_mapping        TEXT NOT NULL DEFAULT '{}',
	companies             TEXT NOT NULL DEFAULT '[]',
	options               TEXT NOT NULL DEFAULT '{}',
	total_companies       INTEGER NOT NULL DEFAULT 0,
	processed_companies   INTEGER NOT NULL DEFAULT 0,
	decision_makers_found INTEGER NOT NULL DEFAULT 0,
	credits_spent         INTEGER NOT NULL DEFAULT 0,
	llm_calls_started     INTEGER NOT NULL DEFAULT 0,
	llm_calls_succeeded   INTEGER NOT NULL DEFAULT 0,
	llm_prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	llm_completion_tokens INTEGER NOT NULL DEFAULT 0,
	llm_total_tokens      INTEGER NOT NULL DEFAULT 0,
	search_calls          INTEGER NOT NULL DEFAULT 0,
	llm_cost_usd          REAL NOT NULL DEFAULT 0,
	search_cost_usd       REAL NOT NULL DEFAULT 0,
	total_cost_usd        REAL NOT NULL DEFAULT 0,
	cost_per_contact_usd  REAL NOT NULL DEFAULT 0,
	stop_reason           TEXT,
	error_code            TEXT NOT NULL DEFAULT '',
	support_id            TEXT NOT NULL DEFAULT '',
	cancel_requested      INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at            DATETIME,
	finished_at           DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS decision_makers (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	row_index       INTEGER NOT NULL,
	company_name    TEXT NOT NULL DEFAULT '',
	company_type    TEXT NOT NULL DEFAULT '',
	company_website TEXT NOT NULL DEFAULT '',
	company_address TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	platform        TEXT NOT NULL DEFAULT '',
	profile_url     TEXT NOT NULL DEFAULT '',
	confidence      TEXT NOT NULL DEFAULT 'LOW',
	reasoning       TEXT NOT NULL DEFAULT '',
	llm_input       TEXT NOT NULL DEFAULT '',
	llm_output      TEXT NOT NULL DEFAULT '',
	search_queries  TEXT NOT NULL DEFAULT '[]',
	llm_call_at     DATETIME,
	search_call_at  DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_decision_makers_job ON decision_makers(job_id, row_index);

CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id    TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	lot_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	delta      INTEGER NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	job_id     TEXT,
	expires_at DATETIME,
	metadata   TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_user ON credit_ledger(user_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	p, err := marshalJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, filename, status, column_mapping, companies, options,
			total_companies, support_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Filename, string(job.Status), string(p.mapping), string(p.rows), string(p.options),
		job.TotalCompanies, job.SupportID, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return getJob(ctx, s.db, jobColumns, jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobSummaryColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(filter.Limit, 50, 500), max(0, filter.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, upd StatusUpdate) (bool, error) {
	if len(upd.From) == 0 {
		return false, nil
	}
	started, finished := transitionTimes(upd.To, upd.At)
	args := []any{string(upd.To), stopReasonArg(upd.StopReason), nullableString(upd.ErrorCode), upd.At, started, finished, jobID}
	for _, st := range upd.From {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?,
			stop_reason = COALESCE(?, stop_reason),
			error_code = COALESCE(?, error_code),
			updated_at = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at)
		 WHERE id = ? AND status IN (`+qmarks(len(upd.From))+`)`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE id = ? AND status IN ('queued', 'processing')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: request cancel %s", jobID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	return requested, eris.Wrapf(err, "sqlite: cancel flag %s", jobID)
}

// MarkStaleJobs compares timestamps in Go; SQLite stores them as text.
func (s *SQLiteStore) MarkStaleJobs(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, updated_at FROM jobs WHERE status = 'processing'`)
		if err != nil {
			return eris.Wrap(err, "sqlite: list processing jobs")
		}
		var stale []string
		for rows.Next() {
			var id string
			var updatedAt time.Time
			if err := rows.Scan(&id, &updatedAt); err != nil {
				rows.Close()
				return eris.Wrap(err, "sqlite: scan processing job")
			}
			if updatedAt.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: processing jobs iterate")
		}

		for _, id := range stale {
			res, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = 'failed', stop_reason = 'error', error_code = ?,
					updated_at = ?, finished_at = ?
				 WHERE id = ? AND status = 'processing'`,
				model.ErrorCodeStaleTimeout, now, now, id,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: mark stale %s", id)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

func (s *SQLiteStore) ListResults(ctx context.Context, jobID string, filter ResultFilter) ([]model.DecisionMaker, int, error) {
	where := ` WHERE job_id = ?`
	args := []any{jobID}
	if filter.Confidence != "" {
		where += ` AND confidence = ?`
		args = append(args, string(filter.Confidence))
	}
	if filter.Platform != "" {
		where += ` AND platform = ?`
		args = append(args, string(filter.Platform))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_makers`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrapf(err, "sqlite: count results %s", jobID)
	}

	args = append(args, limitOrDefault(filter.Limit, 100, 1000), max(0, filter.Offset))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM decision_makers`+where+` ORDER BY row_index, created_at, id LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "sqlite: list results %s", jobID)
	}
	defer rows.Close()

	var out []model.DecisionMaker
	for rows.Next() {
		dm, err := scanResult(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan result")
		}
		out = append(out, *dm)
	}
	return out, total, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	acct := model.CreditAccount{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM credit_accounts WHERE user_id = ?`, userID,
	).Scan(&acct.Balance, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: get credit account %s", userID)
		}
		return nil, eris.Wrapf(err, "sqlite: get credit account %s", userID)
	}
	return &acct, nil
}

func (s *SQLiteStore) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger WHERE user_id = ? ORDER BY rowid DESC LIMIT ?`,
		userID, limitOrDefault(limit, 50, 1000),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list ledger %s", userID)
	}
	return collectSQLiteLedger(rows)
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteTx{tx: tx})
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// sqliteTx implements Tx. Locks are no-ops: the store's single connection
// already serializes transactions.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockJob(ctx context.Context, jobID string) (*model.Job, error) {
	return getJob(ctx, t.tx, jobSummaryColumns, jobID)
}

func (t *sqliteTx) SaveProgress(ctx context.Context, job *model.Job) error {
	c := job.Costs
	res, err := t.tx.ExecContext(ctx,
		`UPDATE jobs SET processed_companies = ?, decision_makers_found = ?, credits_spent = ?,
			llm_calls_started = ?, llm_calls_succeeded = ?, llm_prompt_tokens = ?,
			llm_completion_tokens = ?, llm_total_tokens = ?, search_calls = ?,
			llm_cost_usd = ?, search_cost_usd = ?, total_cost_usd = ?, cost_per_contact_usd = ?,
			updated_at = ?
		 WHERE id = ?`,
		job.ProcessedCompanies, job.DecisionMakersFound, job.CreditsSpent,
		c.LLMCallsStarted, c.LLMCallsSucceeded, c.LLMPromptTokens,
		c.LLMCompletionTokens, c.LLMTotalTokens, c.SearchCalls,
		c.LLMCostUSD, c.SearchCostUSD, c.TotalCostUSD, c.CostPerContactUSD,
		job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save progress %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (t *sqliteTx) InsertResults(ctx context.Context, results []model.DecisionMaker) error {
	for _, dm := range results {
		q, err := marshalQueries(dm.SearchQueries)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO decision_makers (`+resultColumns+`) VALUES (`+qmarks(len(resultColumnNames))+`)`,
			resultArgs(dm, q)...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert result for job %s", dm.JobID)
		}
	}
	return nil
}

func (t *sqliteTx) LockCreditAccount(ctx context.Context, userID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES (?, 0, ?)
		 ON CONFLICT (user_id) DO NOTHING`, userID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: ensure credit account %s", userID)
}

func (t *sqliteTx) LedgerEntries(ctx context.Context, userID string, now time.Time) ([]model.LedgerEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger WHERE user_id = ? ORDER BY rowid`, userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ledger entries %s", userID)
	}
	all, err := collectSQLiteLedger(rows)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, e := range all {
		if e.LiveAt(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

func (t *sqliteTx) AppendLedger(ctx context.Context, entries []model.LedgerEntry) error {
	for _, e := range entries {
		meta, err := marshalMetadata(e.Metadata)
		if err != nil {
			return err
		}
		var metaArg *string
		if meta != nil {
			m := string(meta)
			metaArg = &m
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO credit_ledger (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.LotID, string(e.EventType), e.Delta, e.Source,
			nullableString(e.JobID), e.ExpiresAt, metaArg, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: append ledger %s", e.UserID)
		}
	}
	return nil
}

func (t *sqliteTx) SetBalance(ctx context.Context, userID string, balance int, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
		balance, at, userID,
	)
	return eris.Wrapf(err, "sqlite: set balance %s", userID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q rowQuerier, columns, jobID string) (*model.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: get job %s", jobID)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func collectSQLiteLedger(rows *sql.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: ledger iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s not found: %s", entity, id)
	}
	return nil
}

func qmarks(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
