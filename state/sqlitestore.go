package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/privacypoint/docflow/core"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite state store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes retired (terminal) runs older than this
	// duration (0 = no pruning).
	RetentionAge time.Duration

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteStore persists snapshot chains and stage events to SQLite. It
// enables WAL mode so status reads never block on the run's writer, and
// runs an optional background pruner for retired runs.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite state store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, snap *core.Snapshot) error {
	if snap.Version != 0 {
		return fmt.Errorf("sqlitestore: initial snapshot must be version 0, got %d", snap.Version)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE document_id = ? AND status NOT IN (?, ?, ?, ?)`,
		snap.DocumentID,
		string(core.StatusFailed), string(core.StatusRejected),
		string(core.StatusDelivered), string(core.StatusCancelled),
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("sqlitestore: check active run: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("sqlitestore: document %s already has an active run", snap.DocumentID)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, document_id, status, head_version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		snap.RunID, snap.DocumentID, string(snap.Status),
		snap.CreatedAt.Format(time.RFC3339Nano),
		snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, version, data) VALUES (?, 0, ?)`,
		snap.RunID, string(data),
	); err != nil {
		return fmt.Errorf("sqlitestore: insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, runID string, priorVersion int, next *core.Snapshot) error {
	if next.Version != priorVersion+1 {
		return fmt.Errorf("sqlitestore: run %s: next version %d does not follow head %d", runID, next.Version, priorVersion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int
	err = tx.QueryRowContext(ctx,
		`SELECT head_version FROM runs WHERE run_id = ?`, runID,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{RunID: runID}
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: read head: %w", err)
	}
	if head != priorVersion {
		return &core.StaleStateConflict{RunID: runID, Expected: priorVersion, Actual: head}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, version, data) VALUES (?, ?, ?)`,
		runID, next.Version, string(data),
	); err != nil {
		return fmt.Errorf("sqlitestore: insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, head_version = ?, updated_at = ? WHERE run_id = ?`,
		string(next.Status), next.Version,
		next.UpdatedAt.Format(time.RFC3339Nano), runID,
	); err != nil {
		return fmt.Errorf("sqlitestore: update head: %w", err)
	}

	// Persist the stage events this append introduced.
	prior, err := s.readVersionTx(ctx, tx, runID, priorVersion)
	if err != nil {
		return err
	}
	for _, e := range next.History[len(prior.History):] {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_events (run_id, stage, attempt, started_at, finished_at, outcome, error_detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, string(e.Stage), e.Attempt,
			e.StartedAt.Format(time.RFC3339Nano),
			e.FinishedAt.Format(time.RFC3339Nano),
			string(e.Outcome), e.ErrorDetail,
		); err != nil {
			return fmt.Errorf("sqlitestore: insert stage event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadCurrent(ctx context.Context, runID string) (*core.Snapshot, error) {
	var head int
	err := s.db.QueryRowContext(ctx,
		`SELECT head_version FROM runs WHERE run_id = ?`, runID,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read head: %w", err)
	}
	return s.ReadVersion(ctx, runID, head)
}

func (s *SQLiteStore) ReadVersion(ctx context.Context, runID string, version int) (*core.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE run_id = ? AND version = ?`,
		runID, version,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read snapshot: %w", err)
	}

	var snap core.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]core.StageEvent, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("sqlitestore: check run: %w", err)
	}
	if exists == 0 {
		return nil, &core.NotFoundError{RunID: runID}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, attempt, started_at, finished_at, outcome, error_detail
		 FROM stage_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list events: %w", err)
	}
	defer rows.Close()

	var events []core.StageEvent
	for rows.Next() {
		var (
			e          core.StageEvent
			stage      string
			outcome    string
			startedAt  string
			finishedAt string
		)
		if err := rows.Scan(&stage, &e.Attempt, &startedAt, &finishedAt, &outcome, &e.ErrorDetail); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.Stage = core.StageName(stage)
		e.Outcome = core.StageOutcome(outcome)
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse started_at %q: %w", startedAt, err)
		}
		if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse finished_at %q: %w", finishedAt, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Runs(ctx context.Context, status core.RunStatus) ([]string, error) {
	query := `SELECT run_id FROM runs ORDER BY created_at ASC`
	args := []any{}
	if status != "" {
		query = `SELECT run_id FROM runs WHERE status = ? ORDER BY created_at ASC`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass over retired runs. Exported for testing.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE updated_at < ? AND status IN (?, ?, ?, ?)`,
		cutoff,
		string(core.StatusFailed), string(core.StatusRejected),
		string(core.StatusDelivered), string(core.StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: prune list: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlitestore: prune scan: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlitestore: prune rows err: %w", err)
	}

	for _, runID := range runIDs {
		for _, stmt := range []string{
			`DELETE FROM stage_events WHERE run_id = ?`,
			`DELETE FROM snapshots WHERE run_id = ?`,
			`DELETE FROM runs WHERE run_id = ?`,
		} {
			if _, err := s.db.ExecContext(ctx, stmt, runID); err != nil {
				return fmt.Errorf("sqlitestore: prune %s: %w", runID, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func (s *SQLiteStore) readVersionTx(ctx context.Context, tx *sql.Tx, runID string, version int) (*core.Snapshot, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE run_id = ? AND version = ?`,
		runID, version,
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read prior snapshot: %w", err)
	}
	var snap core.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal prior snapshot: %w", err)
	}
	return &snap, nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
