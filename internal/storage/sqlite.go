package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "flowmake/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("sqlite WAL unavailable", logx.Err(err))
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(build_id, task_id, started_at, finished_at, duration_ms, exit_code, ok, can_fail, attempts, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		nullStr(r.BuildID), r.TaskID,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.DurationMS, r.ExitCode, boolInt(r.OK), boolInt(r.CanFail), r.Attempts, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT build_id, task_id, started_at, finished_at, duration_ms, exit_code, ok, can_fail, attempts, err
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			buildID, errStr   sql.NullString
			started, finished string
			ok, canFail       int
		)
		if err := rows.Scan(&buildID, &r.TaskID, &started, &finished, &r.DurationMS, &r.ExitCode, &ok, &canFail, &r.Attempts, &errStr); err != nil {
			return nil, err
		}
		r.BuildID = buildID.String
		r.Error = errStr.String
		r.OK = ok != 0
		r.CanFail = canFail != 0
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("runs.started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("runs.finished_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
