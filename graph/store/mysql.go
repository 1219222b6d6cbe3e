package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
)

// MySQLStore is a MySQL implementation of Store.
//
// Use it when multiple processes share one history database or when
// retention outgrows a single file. The schema matches SQLiteStore: a
// snapshots table, a history table of compressed diffs, and the auxiliary
// runs table.
//
// The DSN must include parseTime=true so DATETIME columns scan into
// time.Time:
//
//	store, err := NewMySQLStore("user:pass@tcp(localhost:3306)/agent?parseTime=true")
type MySQLStore struct {
	db     *sql.DB
	limits Limits
}

// NewMySQLStore opens a MySQL-backed store and creates the schema if
// needed.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	return NewMySQLStoreWithLimits(dsn, Limits{})
}

// NewMySQLStoreWithLimits opens a MySQL store with per-agent retention
// caps.
func NewMySQLStoreWithLimits(dsn string, limits Limits) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db, limits: limits}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			agent_id VARCHAR(191) NOT NULL,
			workflow_id VARCHAR(191) NOT NULL DEFAULT '',
			seq INT NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			description VARCHAR(512) NOT NULL DEFAULT '',
			blob_data LONGBLOB NOT NULL,
			size INT NOT NULL,
			INDEX idx_snapshots_agent_ts (agent_id, timestamp),
			INDEX idx_snapshots_agent_seq (agent_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS history (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			agent_id VARCHAR(191) NOT NULL,
			seq INT NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			action VARCHAR(191) NOT NULL,
			diff_blob LONGBLOB NOT NULL,
			prev_snapshot_id VARCHAR(64) NOT NULL DEFAULT '',
			INDEX idx_history_agent_ts (agent_id, timestamp),
			INDEX idx_history_agent_seq (agent_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(64) NOT NULL PRIMARY KEY,
			workflow_name VARCHAR(191) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			ended_at DATETIME(6) NULL,
			status VARCHAR(32) NOT NULL,
			last_snapshot_id VARCHAR(64) NOT NULL DEFAULT ''
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot persists a snapshot and applies the FIFO retention cap.
func (s *MySQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := s.nextSeqTx(ctx, tx, snap.AgentID)
	if err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}
	snap.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, agent_id, workflow_id, seq, timestamp, description, blob_data, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AgentID, snap.WorkflowID, snap.Seq, snap.CreatedAt.UTC(),
		snap.Description, snap.State, len(snap.State))
	if err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}

	if max := s.limits.MaxSnapshotsPerAgent; max > 0 {
		// MySQL cannot delete from a table referenced in a subquery;
		// collect the victim ids first.
		ids, err := trimVictims(ctx, tx,
			`SELECT id FROM snapshots WHERE agent_id = ? ORDER BY seq DESC`, snap.AgentID, max)
		if err != nil {
			return &StorageError{Op: "snapshot", Cause: err}
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
				return &StorageError{Op: "snapshot", Cause: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "snapshot", Cause: err}
	}
	return nil
}

// LoadSnapshot retrieves a snapshot by id.
func (s *MySQLStore) LoadSnapshot(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_id, seq, timestamp, description, blob_data
		 FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// LatestSnapshot returns the most recent snapshot for an agent.
func (s *MySQLStore) LatestSnapshot(ctx context.Context, agentID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_id, seq, timestamp, description, blob_data
		 FROM snapshots WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`, agentID)
	return scanSnapshot(row)
}

// ListSnapshots returns up to limit snapshots for an agent, newest first.
func (s *MySQLStore) ListSnapshots(ctx context.Context, agentID string, limit int) ([]Snapshot, error) {
	query := `SELECT id, agent_id, workflow_id, seq, timestamp, description, blob_data
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
			return nil, &StorageError{Op: "snapshot", Cause: err}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// AppendHistory persists a history entry and applies the FIFO cap.
func (s *MySQLStore) AppendHistory(ctx context.Context, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "history", Cause: err}
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := s.nextSeqTx(ctx, tx, entry.AgentID)
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
		ids, err := trimVictims(ctx, tx,
			`SELECT id FROM history WHERE agent_id = ? ORDER BY seq DESC`, entry.AgentID, max)
		if err != nil {
			return &StorageError{Op: "history", Cause: err}
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
				return &StorageError{Op: "history", Cause: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "history", Cause: err}
	}
	return nil
}

// History returns up to limit entries for an agent in chronological order.
func (s *MySQLStore) History(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	query := `SELECT id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id
		 FROM history WHERE agent_id = ? ORDER BY seq ASC`
	args := []any{agentID}
	if limit > 0 {
		query = `SELECT id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id FROM (
			SELECT id, agent_id, seq, timestamp, action, diff_blob, prev_snapshot_id
			FROM history WHERE agent_id = ? ORDER BY seq DESC LIMIT ?
		) AS tail ORDER BY seq ASC`
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
func (s *MySQLStore) SaveRun(ctx context.Context, run RunRecord) error {
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
func (s *MySQLStore) UpdateRun(ctx context.Context, run RunRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?,
		 last_snapshot_id = IF(? != '', ?, last_snapshot_id)
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
func (s *MySQLStore) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
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
func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) nextSeqTx(ctx context.Context, tx *sql.Tx, agentID string) (int, error) {
	var snapMax, histMax sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM snapshots WHERE agent_id = ? FOR UPDATE`, agentID).Scan(&snapMax); err != nil {
		return 0, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM history WHERE agent_id = ? FOR UPDATE`, agentID).Scan(&histMax); err != nil {
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

// trimVictims returns the ids beyond the newest max rows for the query.
func trimVictims(ctx context.Context, tx *sql.Tx, query, agentID string, max int) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var victims []string
	rank := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rank++
		if rank > max {
			victims = append(victims, id)
		}
	}
	return victims, rows.Err()
}
