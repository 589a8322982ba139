package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

// runsRetention bounds the run history kept in the database.
const runsRetention = 5000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutJob(ctx context.Context, rec JobRecord) error {
	b, err := json.Marshal(rec.Descriptor)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(kind, id, armed_at, descriptor) VALUES(?,?,?,?)
		 ON CONFLICT(kind) DO UPDATE SET id=excluded.id, armed_at=excluded.armed_at, descriptor=excluded.descriptor`,
		rec.Descriptor.Kind.String(), rec.ID, rec.ArmedAt.UTC().Format(time.RFC3339Nano), string(b),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, kind jobs.JobKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE kind = ?`, kind.String())
	return err
}

func (s *sqliteStore) DeleteAllJobs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, armed_at, descriptor FROM jobs ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec     JobRecord
			armedAt string
			desc    string
		)
		if err := rows.Scan(&rec.ID, &armedAt, &desc); err != nil {
			return nil, err
		}
		if rec.ArmedAt, err = time.Parse(time.RFC3339Nano, armedAt); err != nil {
			return nil, fmt.Errorf("job %s: armed_at: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(desc), &rec.Descriptor); err != nil {
			return nil, fmt.Errorf("job %s: descriptor: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, task_id, kind, attempts, duration_ms, err) VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.TaskID, r.Kind.String(), r.Attempts, r.Duration.Milliseconds(), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT MAX(id) FROM runs) - ?`, runsRetention)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
