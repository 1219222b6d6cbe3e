package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore is a SQLite implementation of Store.
//
// It persists snapshots, history, and run records in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durable history
//   - Prototyping before migrating to MySQL
//
// WAL mode is enabled so readers don't block on snapshot writes.
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithLimits(path, Limits{})
}

// NewSQLiteStoreWithLimits opens a SQLite store with per-agent retention
// caps.
func NewSQLiteStoreWithLimits(path string, limits Limits) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time; serialize on a single
	// connection so snapshot writes never race on the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, limits: limits}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT NOT NULL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			blob BLOB NOT NULL,
			size INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_agent_ts ON snapshots(agent_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_agent_seq ON snapshots(agent_id, seq)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT NOT NULL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			action TEXT NOT NULL,
			diff_blob BLOB NOT NULL,
			prev_snapshot_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_agent_ts ON history(agent_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_history_agent_seq ON history(agent_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			status TEXT NOT NULL,
			last_snapshot_id TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot persists a snapshot and applies the FIFO retention cap.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := nextSeqTx(ctx, tx, snap.AgentID)
	if err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}
	snap.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, agent_id, workflow_id, seq, timestamp, description, blob, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AgentID, snap.WorkflowID, snap.Seq, snap.CreatedAt.UTC(),
		snap.Description, snap.State, len(snap.State))
	if err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}

	if max := s.limits.MaxSnapshotsPerAgent; max > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE agent_id = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE agent_id = ? ORDER BY seq DESC LIMIT ?
			)`, snap.AgentID, snap.AgentID, max)
		if err != nil {
			return &StorageError{Op: "snapshot", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}
	return nil
}

// LoadSnapshot retrieves a snapshot by id.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_id, seq, timestamp, description, blob
		 FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// LatestSnapshot returns the most recent snapshot for an agent.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, agentID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_id, seq, timestamp, description, blob
		 FROM snapshots WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`, agentID)
	return scanSnapshot(row)
}

// ListSnapshots returns up to limit snapshots for an agent, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, agentID string, limit int) ([]Snapshot, error) {
	query := `SELECT id, agent_id, workflow_id, seq, timestamp, description, blob
		 FROM snapshots WHERE agent_id = ? ORDER BY seq DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "snapshot", Cause: err}
	}
	defer rows.Close() //nolint:errcheck

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// AppendHistory persists a history entry and applies the FIFO cap.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "history", Cause: err}
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := nextSeqTx(ctx, tx, entry.AgentID)
	if err != nil {
		return &StorageError{Op: "history", Cause: err}
	}
	entry.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.Seq, entry.Timestamp.UTC(),
		entry.Action, entry.Diff, entry.PrevSnapshotID)
	if err != nil {
		return &StorageError{Op: "history", Cause: err}
	}

	if max := s.limits.MaxHistoryPerAgent; max > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM history WHERE agent_id = ? AND id NOT IN (
				SELECT id FROM history WHERE agent_id = ? ORDER BY seq DESC LIMIT ?
			)`, entry.AgentID, entry.AgentID, max)
		if err != nil {
			return &StorageError{Op: "history", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "history", Cause: err}
	}
	return nil
}

// History returns up to limit entries for an agent in chronological order.
func (s *SQLiteStore) History(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	query := `SELECT id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id
		 FROM history WHERE agent_id = ? ORDER BY seq ASC`
	args := []any{agentID}
	if limit > 0 {
		// Chronological order with a tail limit: select the newest rows,
		// then reverse.
		query = `SELECT id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id FROM (
			SELECT id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id
			FROM history WHERE agent_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "history", Cause: err}
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Seq, &ts, &e.Action, &e.Diff, &e.PrevSnapshotID); err != nil {
			return nil, &StorageError{Op: "history", Cause: err}
		}
		e.Timestamp = ts
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveRun inserts a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_name, started_at, ended_at, status, last_snapshot_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkflowName, run.StartedAt.UTC(), nullableTime(run.EndedAt),
		string(run.Status), run.LastSnapshotID)
	if err != nil {
		return &StorageError{Op: "run", Cause: err}
	}
	return nil
}

// UpdateRun updates a run's status, end time, and last snapshot.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run RunRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?,
		 last_snapshot_id = CASE WHEN ? != '' THEN ? ELSE last_snapshot_id END
		 WHERE run_id = ?`,
		string(run.Status), nullableTime(run.EndedAt),
		run.LastSnapshotID, run.LastSnapshotID, run.RunID)
	if err != nil {
		return &StorageError{Op: "run", Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "run", Cause: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadRun retrieves a run record by id.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	var run RunRecord
	var ended sql.NullTime
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_name, started_at, ended_at, status, last_snapshot_id
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.WorkflowName, &run.StartedAt, &ended, &status, &run.LastSnapshotID)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, &StorageError{Op: "run", Cause: err}
	}
	if ended.Valid {
		run.EndedAt = ended.Time
	}
	run.Status = RunStatus(status)
	return run, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// nextSeqTx allocates the next per-agent sequence number across both the
// snapshots and history tables, so entries and snapshots share one total
// order per agent.
func nextSeqTx(ctx context.Context, tx *sql.Tx, agentID string) (int, error) {
	var snapMax, histMax sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM snapshots WHERE agent_id = ?`, agentID).Scan(&snapMax); err != nil {
		return 0, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM history WHERE agent_id = ?`, agentID).Scan(&histMax); err != nil {
		return 0, err
	}
	next := int(snapMax.Int64)
	if int(histMax.Int64) > next {
		next = int(histMax.Int64)
	}
	if snapMax.Valid || histMax.Valid {
		next++
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row *sql.Row) (Snapshot, error) {
	snap, err := scanSnapshotRows(row)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

func scanSnapshotRows(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	var ts time.Time
	err := row.Scan(&snap.ID, &snap.AgentID, &snap.WorkflowID, &snap.Seq, &ts, &snap.Description, &snap.State)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = ts
	return snap, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
