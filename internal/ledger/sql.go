package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/jmoiron/sqlx"
)

// Queries use ? placeholders and are rebound per driver; the upsert syntax is
// shared by postgres and sqlite.
const schema = `
CREATE TABLE IF NOT EXISTS stage_results (
	job_id      TEXT    NOT NULL,
	stage       TEXT    NOT NULL,
	state       TEXT    NOT NULL,
	owner       TEXT    NOT NULL DEFAULT '',
	lease_until BIGINT  NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	detail      TEXT    NOT NULL DEFAULT '',
	updated_at  BIGINT  NOT NULL,
	PRIMARY KEY (job_id, stage)
)`

const claimQuery = `
INSERT INTO stage_results (job_id, stage, state, owner, lease_until, attempts, detail, updated_at)
VALUES (?, ?, 'pending', ?, ?, 1, '', ?)
ON CONFLICT (job_id, stage) DO UPDATE SET
	state = 'pending',
	owner = excluded.owner,
	lease_until = excluded.lease_until,
	attempts = stage_results.attempts + 1,
	updated_at = excluded.updated_at
WHERE stage_results.state NOT IN ('written', 'rejected')
  AND (stage_results.state <> 'pending' OR stage_results.lease_until < excluded.updated_at)`

type recordRow struct {
	JobID      string `db:"job_id"`
	Stage      string `db:"stage"`
	State      string `db:"state"`
	Owner      string `db:"owner"`
	LeaseUntil int64  `db:"lease_until"`
	Attempts   int    `db:"attempts"`
	Detail     string `db:"detail"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r recordRow) record() Record {
	return Record{
		JobID:     r.JobID,
		Stage:     r.Stage,
		State:     State(r.State),
		Owner:     r.Owner,
		Attempts:  r.Attempts,
		Detail:    r.Detail,
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// SQLLedger stores the ledger in postgres or sqlite
type SQLLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLLedger creates a ledger over db; call Migrate before use
func NewSQLLedger(db *sqlx.DB, logger *slog.Logger) *SQLLedger {
	return &SQLLedger{db: db, logger: logger, now: time.Now}
}

// Migrate creates the stage_results table
func (l *SQLLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create stage_results table: %w", err)
	}
	return nil
}

// Claim implements Ledger
func (l *SQLLedger) Claim(ctx context.Context, jobID string, stage queue.Stage, owner string, ttl time.Duration) error {
	now := l.now()

	res, err := l.db.ExecContext(ctx, l.db.Rebind(claimQuery),
		jobID, stage.String(), owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to claim %s:%s: %w", jobID, stage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim %s:%s: %w", jobID, stage, err)
	}
	if n > 0 {
		return nil
	}

	var state string
	err = l.db.GetContext(ctx, &state,
		l.db.Rebind(`SELECT state FROM stage_results WHERE job_id = ? AND stage = ?`),
		jobID, stage.String())
	if err != nil {
		return fmt.Errorf("failed to read state of %s:%s: %w", jobID, stage, err)
	}

	if State(state).Settled() {
		return ErrAlreadyWritten
	}
	return ErrClaimed
}

// Extend implements Ledger
func (l *SQLLedger) Extend(ctx context.Context, jobID string, stage queue.Stage, owner string, ttl time.Duration) error {
	query := `
		UPDATE stage_results
		SET lease_until = ?, updated_at = ?
		WHERE job_id = ? AND stage = ? AND owner = ? AND state = 'pending' AND lease_until > 0`

	now := l.now()
	res, err := l.db.ExecContext(ctx, l.db.Rebind(query),
		now.Add(ttl).UnixMilli(), now.UnixMilli(), jobID, stage.String(), owner)
	if err != nil {
		return fmt.Errorf("failed to extend %s:%s: %w", jobID, stage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend %s:%s: %w", jobID, stage, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete implements Ledger
func (l *SQLLedger) Complete(ctx context.Context, jobID string, stage queue.Stage, owner string, state State, detail string) error {
	query := `
		UPDATE stage_results
		SET state = ?, detail = ?, lease_until = 0, updated_at = ?
		WHERE job_id = ? AND stage = ? AND owner = ? AND state = 'pending'`

	res, err := l.db.ExecContext(ctx, l.db.Rebind(query),
		string(state), detail, l.now().UnixMilli(), jobID, stage.String(), owner)
	if err != nil {
		return fmt.Errorf("failed to complete %s:%s: %w", jobID, stage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete %s:%s: %w", jobID, stage, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}

	l.logger.Debug("Ledger updated",
		slog.String("job_id", jobID),
		slog.String("stage", stage.String()),
		slog.String("state", string(state)),
	)
	return nil
}

// Release implements Ledger
func (l *SQLLedger) Release(ctx context.Context, jobID string, stage queue.Stage, owner string) error {
	query := `
		UPDATE stage_results
		SET lease_until = 0, updated_at = ?
		WHERE job_id = ? AND stage = ? AND owner = ? AND state = 'pending'`

	if _, err := l.db.ExecContext(ctx, l.db.Rebind(query), l.now().UnixMilli(), jobID, stage.String(), owner); err != nil {
		return fmt.Errorf("failed to release %s:%s: %w", jobID, stage, err)
	}
	return nil
}

// Get implements Ledger
func (l *SQLLedger) Get(ctx context.Context, jobID string) ([]Record, error) {
	query := `
		SELECT job_id, stage, state, owner, lease_until, attempts, detail, updated_at
		FROM stage_results
		WHERE job_id = ?
		ORDER BY stage`

	var rows []recordRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger for %s: %w", jobID, err)
	}

	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}
	return records, nil
}
