package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/wer"
	_ "modernc.org/sqlite"
)

// Run is one evaluation pass over a corpus suite.
type Run struct {
	ID        string
	Suite     string
	Language  string
	Engine    string
	CreatedAt time.Time
}

// Result is one scored sample of a run. Err is set when the sample could not
// be transcribed or scored, in which case Report is zero. Skipped marks a
// sample whose reference had no words.
type Result struct {
	ID         int64
	RunID      string
	SampleID   string
	Reference  string
	Hypothesis string
	Report     wer.Report
	Err        string
	Skipped    bool
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed evaluation history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    suite TEXT NOT NULL,
    language TEXT,
    engine TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    sample_id TEXT NOT NULL,
    reference TEXT NOT NULL,
    hypothesis TEXT,
    wer REAL,
    correct INTEGER,
    substitutions INTEGER,
    insertions INTEGER,
    deletions INTEGER,
    ref_words INTEGER,
    hyp_words INTEGER,
    error TEXT,
    skipped INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendRun records a run, updating its metadata if it already exists.
func (s *Store) AppendRun(ctx context.Context, run Run) error {
	if s.disabled() {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, suite, language, engine, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET suite=excluded.suite, language=excluded.language, engine=excluded.engine`,
		run.ID, run.Suite, run.Language, run.Engine, run.CreatedAt)
	return err
}

// AppendResult writes a sample result into the store.
func (s *Store) AppendResult(ctx context.Context, res Result) error {
	if s.disabled() {
		return nil
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.clock().UTC()
	}
	r := res.Report
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(run_id, sample_id, reference, hypothesis, wer, correct, substitutions, insertions, deletions, ref_words, hyp_words, error, skipped, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.SampleID, res.Reference, res.Hypothesis,
		r.WER, r.Correct, r.Substitutions, r.Insertions, r.Deletions, r.RefWords, r.HypWords,
		res.Err, res.Skipped, res.CreatedAt)
	return err
}

// ListRuns returns up to limit runs, newest first. A zero limit means
// defaultLimit and a negative one means all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.disabled() {
		return nil, nil
	}
	limit = sqlLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, suite, language, engine, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created string
		if err := rows.Scan(&r.ID, &r.Suite, &r.Language, &r.Engine, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunResults retrieves up to limit results for a run in insertion order,
// with the same limit rules as ListRuns.
func (s *Store) ListRunResults(ctx context.Context, runID string, limit int) ([]Result, error) {
	if s.disabled() {
		return nil, nil
	}
	limit = sqlLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sample_id, reference, hypothesis, wer, correct, substitutions, insertions, deletions, ref_words, hyp_words, error, skipped, created_at
		 FROM results WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var res Result
		var created string
		r := &res.Report
		if err := rows.Scan(&res.ID, &res.RunID, &res.SampleID, &res.Reference, &res.Hypothesis,
			&r.WER, &r.Correct, &r.Substitutions, &r.Insertions, &r.Deletions, &r.RefWords, &r.HypWords,
			&res.Err, &res.Skipped, &created); err != nil {
			return nil, err
		}
		res.CreatedAt = parseTime(created)
		results = append(results, res)
	}
	return results, rows.Err()
}

const defaultLimit = 100

// sqlLimit maps a caller limit onto SQLite, where LIMIT -1 is unbounded.
func sqlLimit(limit int) int {
	switch {
	case limit == 0:
		return defaultLimit
	case limit < 0:
		return -1
	default:
		return limit
	}
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
