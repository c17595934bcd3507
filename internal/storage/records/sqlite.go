package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS downloads (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  name        TEXT NOT NULL UNIQUE,
  url         TEXT NOT NULL,
  status      TEXT NOT NULL,
  local_path  TEXT NOT NULL DEFAULT '',
  error       TEXT NOT NULL DEFAULT '',
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
`

const selectColumns = `id, name, url, status, local_path, error, created_at, updated_at`

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteNowFunc overrides the clock used for timestamps.
func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore keeps records in a single SQLite table.
type SQLiteStore struct {
	db      *sql.DB
	nowFn   func() time.Time
	changes signal
}

// NewSQLiteStore opens (creating when missing) the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("records: empty sqlite path")
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("records: create %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("records: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		nowFn:   time.Now,
		changes: newSignal(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("records: init schema: %w", err)
		}
	}

	return s, nil
}

func (s *SQLiteStore) now() int64 {
	return s.nowFn().UnixMilli()
}

func (s *SQLiteStore) BeginLoading(ctx context.Context, req types.Request) (int64, error) {
	name := req.TargetName()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("records: begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM downloads WHERE name = ?`, name).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("records: lookup %s: %w", name, err)
	case types.RecordStatus(status) == types.RecordLoading:
		return 0, fmt.Errorf("%w: %s", ErrAlreadyLoading, name)
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM downloads WHERE name = ?`, name); err != nil {
			return 0, fmt.Errorf("records: replace %s: %w", name, err)
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO downloads (name, url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, req.URL, string(types.RecordLoading), now, now)
	if err != nil {
		return 0, fmt.Errorf("records: insert %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("records: insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("records: commit: %w", err)
	}
	s.changes.notify()
	return id, nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id int64, status types.RecordStatus, localPath, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, local_path = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), localPath, errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("records: finish %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	s.changes.notify()
	return nil
}

func (s *SQLiteStore) CountLoading(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE status = ?`, string(types.RecordLoading)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("records: count loading: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetAllRaw(ctx context.Context) ([]types.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM downloads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	defer rows.Close()

	var out []types.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (types.DownloadRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("records: get %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) FindByTarget(ctx context.Context, name string) (*types.DownloadRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE name = ?`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: find %s: %w", name, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) MarkUnfinishedRemoved(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, updated_at = ? WHERE status = ?`,
		string(types.RecordRemoved), s.now(), string(types.RecordLoading))
	if err != nil {
		return 0, fmt.Errorf("records: mark unfinished: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.changes.notify()
	}
	return int(n), nil
}

func (s *SQLiteStore) RemoveFinished(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE status <> ?`, string(types.RecordLoading))
	if err != nil {
		return 0, fmt.Errorf("records: remove finished: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.changes.notify()
	}
	return int(n), nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("records: remove %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.changes.notify()
	}
	return nil
}

func (s *SQLiteStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.DownloadRecord, error) {
	var (
		rec    types.DownloadRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.URL, &status, &rec.LocalPath, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	rec.Status = types.RecordStatus(status)
	return rec, err
}
