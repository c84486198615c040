package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/tiersched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, config, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Label, run.Config, run.StartedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, config, started_at, ended_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, config, started_at, ended_at FROM runs
		 ORDER BY started_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, endedAt time.Time) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", id)
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at=? WHERE id=?`, endedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var startedAt string
	var endedAt *string
	if err := row.Scan(&run.ID, &run.Label, &run.Config, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *endedAt)
		run.EndedAt = &t
	}
	return &run, nil
}

// --- Compile history ---

// RecordTasks inserts a batch of records in one transaction.
func (s *SQLiteStore) RecordTasks(ctx context.Context, recs []model.CompileRecord) error {
	if len(recs) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "compile_records", "count", len(recs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO compile_records (run_id, task_id, unit_id, unit_name, tier, entry, reason,
		 blocking, state, failure, released_by, code_size, enqueued_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		var startedAt *string
		if rec.StartedAt != nil {
			v := rec.StartedAt.Format(time.RFC3339Nano)
			startedAt = &v
		}
		blocking := 0
		if rec.Blocking {
			blocking = 1
		}
		if _, err := stmt.ExecContext(ctx,
			rec.RunID, int64(rec.TaskID), int64(rec.UnitID), rec.UnitName, int(rec.Tier), rec.Entry,
			string(rec.Reason), blocking, string(rec.State), rec.Failure, string(rec.ReleasedBy),
			int64(rec.CodeSize), rec.EnqueuedAt.Format(time.RFC3339Nano), startedAt,
			rec.CompletedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert task %d: %w", rec.TaskID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListRecords(ctx context.Context, opts model.ListOptions) ([]*model.CompileRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "compile_records", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.RunID != "" {
		whereClauses = append(whereClauses, "run_id = ?")
		countArgs = append(countArgs, opts.RunID)
	}
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, string(opts.State))
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM compile_records` + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT run_id, task_id, unit_id, unit_name, tier, entry, reason, blocking, state,
		failure, released_by, code_size, enqueued_at, started_at, completed_at
		FROM compile_records` + whereSQL + ` ORDER BY run_id, task_id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*model.CompileRecord
	for rows.Next() {
		var rec model.CompileRecord
		var taskID, unitID, codeSize int64
		var tier, blocking int
		var reason, state, releasedBy, enqueuedAt, completedAt string
		var startedAt *string

		if err := rows.Scan(&rec.RunID, &taskID, &unitID, &rec.UnitName, &tier, &rec.Entry,
			&reason, &blocking, &state, &rec.Failure, &releasedBy, &codeSize,
			&enqueuedAt, &startedAt, &completedAt); err != nil {
			return nil, 0, err
		}

		rec.TaskID = uint64(taskID)
		rec.UnitID = model.UnitID(unitID)
		rec.Tier = model.Tier(tier)
		rec.Reason = model.Reason(reason)
		rec.Blocking = blocking != 0
		rec.State = model.TaskState(state)
		rec.ReleasedBy = model.Owner(releasedBy)
		rec.CodeSize = uint64(codeSize)
		rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		if startedAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *startedAt)
			rec.StartedAt = &t
		}
		recs = append(recs, &rec)
	}
	return recs, total, rows.Err()
}

// Summary counts the records of a run by state and by tier.
func (s *SQLiteStore) Summary(ctx context.Context, runID string) (*model.RunSummary, error) {
	s.logger.Debug("sql", "op", "summary", "table", "compile_records", "run_id", runID)

	sum := &model.RunSummary{
		RunID:   runID,
		ByState: map[model.TaskState]int{},
		ByTier:  map[model.Tier]int{},
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, tier, COUNT(*), COALESCE(SUM(code_size), 0)
		 FROM compile_records WHERE run_id = ? GROUP BY state, tier`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var tier, count int
		var codeSize int64
		if err := rows.Scan(&state, &tier, &count, &codeSize); err != nil {
			return nil, err
		}
		sum.ByState[model.TaskState(state)] += count
		sum.ByTier[model.Tier(tier)] += count
		sum.CodeSize += uint64(codeSize)
	}
	return sum, rows.Err()
}
