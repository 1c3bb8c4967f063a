package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/convorelay/relay/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers record spans concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("set sqlite journal mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) RecordSpan(ctx context.Context, record SpanRecord) error {
	if record.SpanID == "" || record.UserID == "" {
		return fmt.Errorf("record span: span id and user id are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx,
			`UPDATE spans SET is_current = 0 WHERE user_id = ? AND is_current = 1`,
			record.UserID,
		); err != nil {
			return fmt.Errorf("clear current span for %q: %w", record.UserID, err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO spans (span_id, user_id, start_time, end_time, is_current)
VALUES (?, ?, ?, ?, 1)
ON CONFLICT(span_id) DO UPDATE SET
    user_id = excluded.user_id,
    start_time = excluded.start_time,
    end_time = excluded.end_time,
    is_current = 1`,
			record.SpanID,
			record.UserID,
			record.StartTime.UnixMilli(),
			record.EndTime.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert span %q: %w", record.SpanID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit record transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CurrentSpan(ctx context.Context, userID string) (SpanRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = ? AND is_current = 1`,
		userID,
	)
	return scanSpanRow(row)
}

func (s *SQLiteStore) NextSpan(ctx context.Context, userID string) (SpanRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var next SpanRecord
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin advance transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		current, err := scanSpanRow(tx.QueryRowContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = ? AND is_current = 1`,
			userID,
		))
		if err != nil {
			return err
		}

		next, err = scanSpanRow(tx.QueryRowContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = ? AND start_time < ?
ORDER BY start_time DESC
LIMIT 1`,
			userID, current.StartTime.UnixMilli(),
		))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE spans SET is_current = 0 WHERE span_id = ?`, current.SpanID,
		); err != nil {
			return fmt.Errorf("clear current span %q: %w", current.SpanID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE spans SET is_current = 1 WHERE span_id = ?`, next.SpanID,
		); err != nil {
			return fmt.Errorf("mark span %q current: %w", next.SpanID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit advance transaction: %w", err)
		}
		next.IsCurrent = true
		return nil
	})
	if err != nil {
		return SpanRecord{}, err
	}
	return next, nil
}

func (s *SQLiteStore) ListSpans(ctx context.Context, userID string, limit int) ([]SpanRecord, error) {
	if limit <= 0 {
		limit = defaultRingCapacity
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = ?
ORDER BY start_time DESC
LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list spans for %q: %w", userID, err)
	}
	defer rows.Close()

	var records []SpanRecord
	for rows.Next() {
		record, err := scanSpanRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpanRow(row rowScanner) (SpanRecord, error) {
	var (
		record     SpanRecord
		start, end int64
	)
	err := row.Scan(&record.SpanID, &record.UserID, &start, &end, &record.IsCurrent)
	if errors.Is(err, sql.ErrNoRows) {
		return SpanRecord{}, ErrNotFound
	}
	if err != nil {
		return SpanRecord{}, fmt.Errorf("scan span row: %w", err)
	}
	record.StartTime = time.UnixMilli(start).UTC()
	record.EndTime = time.UnixMilli(end).UTC()
	return record, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so span records are
// not lost during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
