package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dm-finder/internal/db"
	"github.com/sells-group/dm-finder/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	filename              TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'queued',
	column_mapping        JSONB NOT NULL DEFAULT '{}',
	companies             JSONB NOT NULL DEFAULT '[]',
	options               JSONB NOT NULL DEFAULT '{}',
	total_companies       INTEGER NOT NULL DEFAULT 0,
	processed_companies   INTEGER NOT NULL DEFAULT 0,
	decision_makers_found INTEGER NOT NULL DEFAULT 0,
	credits_spent         INTEGER NOT NULL DEFAULT 0,
	llm_calls_started     INTEGER NOT NULL DEFAULT 0,
	llm_calls_succeeded   INTEGER NOT NULL DEFAULT 0,
	llm_prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	llm_completion_tokens BIGINT NOT NULL DEFAULT 0,
	llm_total_tokens      BIGINT NOT NULL DEFAULT 0,
	search_calls          INTEGER NOT NULL DEFAULT 0,
	llm_cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	search_cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_per_contact_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	stop_reason           TEXT,
	error_code            TEXT NOT NULL DEFAULT '',
	support_id            TEXT NOT NULL DEFAULT '',
	cancel_requested      BOOLEAN NOT NULL DEFAULT false,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at            TIMESTAMPTZ,
	finished_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);

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
	search_queries  JSONB NOT NULL DEFAULT '[]',
	llm_call_at     TIMESTAMPTZ,
	search_call_at  TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_decision_makers_job ON decision_makers(job_id, row_index);

CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id    TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	lot_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	delta      INTEGER NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	job_id     TEXT,
	expires_at TIMESTAMPTZ,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_user ON credit_ledger(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_lot ON credit_ledger(lot_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	p, err := marshalJob(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, filename, status, column_mapping, companies, options,
			total_companies, support_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.UserID, job.Filename, string(job.Status), p.mapping, p.rows, p.options,
		job.TotalCompanies, job.SupportID, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobSummaryColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limitOrDefault(filter.Limit, 50, 500), max(0, filter.Offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, upd StatusUpdate) (bool, error) {
	started, finished := transitionTimes(upd.To, upd.At)
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1,
			stop_reason = COALESCE($2, stop_reason),
			error_code = COALESCE($3, error_code),
			updated_at = $4,
			started_at = COALESCE(started_at, $5),
			finished_at = COALESCE($6, finished_at)
		 WHERE id = $7 AND status = ANY($8)`,
		string(upd.To), stopReasonArg(upd.StopReason), nullableString(upd.ErrorCode), upd.At,
		started, finished, jobID, statusStrings(upd.From),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = true WHERE id = $1 AND status IN ('queued', 'processing')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: request cancel %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return requested, eris.Wrapf(err, "postgres: cancel flag %s", jobID)
}

func (s *PostgresStore) MarkStaleJobs(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'failed', stop_reason = 'error', error_code = $1,
			updated_at = $2, finished_at = $2
		 WHERE status = 'processing' AND updated_at < $3
		 RETURNING id`,
		model.ErrorCodeStaleTimeout, now, cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: mark stale jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale job id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: mark stale jobs iterate")
}

func (s *PostgresStore) ListResults(ctx context.Context, jobID string, filter ResultFilter) ([]model.DecisionMaker, int, error) {
	where := ` WHERE job_id = $1`
	args := []any{jobID}
	if filter.Confidence != "" {
		args = append(args, string(filter.Confidence))
		where += fmt.Sprintf(` AND confidence = $%d`, len(args))
	}
	if filter.Platform != "" {
		args = append(args, string(filter.Platform))
		where += fmt.Sprintf(` AND platform = $%d`, len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM decision_makers`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrapf(err, "postgres: count results %s", jobID)
	}

	pageArgs := append(args, limitOrDefault(filter.Limit, 100, 1000), max(0, filter.Offset))
	query := `SELECT ` + resultColumns + ` FROM decision_makers` + where +
		fmt.Sprintf(` ORDER BY row_index, created_at, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	rows, err := s.pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "postgres: list results %s", jobID)
	}
	defer rows.Close()

	var out []model.DecisionMaker
	for rows.Next() {
		dm, err := scanResult(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan result")
		}
		out = append(out, *dm)
	}
	return out, total, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	acct := model.CreditAccount{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT balance, updated_at FROM credit_accounts WHERE user_id = $1`, userID,
	).Scan(&acct.Balance, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get credit account %s", userID)
		}
		return nil, eris.Wrapf(err, "postgres: get credit account %s", userID)
	}
	return &acct, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		userID, limitOrDefault(limit, 50, 1000),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list ledger %s", userID)
	}
	return collectLedger(rows)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// pgTx implements Tx on a pgx transaction with row-level locks.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobSummaryColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: lock job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: lock job %s", jobID)
	}
	return job, nil
}

func (t *pgTx) SaveProgress(ctx context.Context, job *model.Job) error {
	c := job.Costs
	tag, err := t.tx.Exec(ctx,
		`UPDATE jobs SET processed_companies = $1, decision_makers_found = $2, credits_spent = $3,
			llm_calls_started = $4, llm_calls_succeeded = $5, llm_prompt_tokens = $6,
			llm_completion_tokens = $7, llm_total_tokens = $8, search_calls = $9,
			llm_cost_usd = $10, search_cost_usd = $11, total_cost_usd = $12, cost_per_contact_usd = $13,
			updated_at = $14
		 WHERE id = $15`,
		job.ProcessedCompanies, job.DecisionMakersFound, job.CreditsSpent,
		c.LLMCallsStarted, c.LLMCallsSucceeded, c.LLMPromptTokens,
		c.LLMCompletionTokens, c.LLMTotalTokens, c.SearchCalls,
		c.LLMCostUSD, c.SearchCostUSD, c.TotalCostUSD, c.CostPerContactUSD,
		job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save progress %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: save progress %s", job.ID)
	}
	return nil
}

func (t *pgTx) InsertResults(ctx context.Context, results []model.DecisionMaker) error {
	rows := make([][]any, 0, len(results))
	for _, dm := range results {
		q, err := marshalQueries(dm.SearchQueries)
		if err != nil {
			return err
		}
		rows = append(rows, resultArgs(dm, q))
	}
	_, err := db.CopyFrom(ctx, t.tx, "decision_makers", resultColumnNames, rows)
	return eris.Wrap(err, "postgres: insert results")
}

func (t *pgTx) LockCreditAccount(ctx context.Context, userID string) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES ($1, 0, now())
		 ON CONFLICT (user_id) DO NOTHING`, userID,
	); err != nil {
		return eris.Wrapf(err, "postgres: ensure credit account %s", userID)
	}
	var balance int
	err := t.tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	return eris.Wrapf(err, "postgres: lock credit account %s", userID)
}

func (t *pgTx) LedgerEntries(ctx context.Context, userID string, now time.Time) ([]model.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger
		 WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY created_at, id`,
		userID, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ledger entries %s", userID)
	}
	return collectLedger(rows)
}

func (t *pgTx) AppendLedger(ctx context.Context, entries []model.LedgerEntry) error {
	for _, e := range entries {
		meta, err := marshalMetadata(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO credit_ledger (`+ledgerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.UserID, e.LotID, string(e.EventType), e.Delta, e.Source,
			nullableString(e.JobID), e.ExpiresAt, meta, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: append ledger %s", e.UserID)
		}
	}
	return nil
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance int, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE credit_accounts SET balance = $1, updated_at = $2 WHERE user_id = $3`,
		balance, at, userID,
	)
	return eris.Wrapf(err, "postgres: set balance %s", userID)
}

func collectLedger(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: ledger iterate")
}
