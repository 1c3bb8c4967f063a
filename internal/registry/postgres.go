package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/convorelay/relay/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) RecordSpan(ctx context.Context, record SpanRecord) error {
	if record.SpanID == "" || record.UserID == "" {
		return fmt.Errorf("record span: span id and user id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE spans SET is_current = FALSE WHERE user_id = $1 AND is_current = TRUE`,
		record.UserID,
	); err != nil {
		return fmt.Errorf("clear current span for %q: %w", record.UserID, err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO spans (span_id, user_id, start_time, end_time, is_current)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (span_id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    start_time = EXCLUDED.start_time,
    end_time = EXCLUDED.end_time,
    is_current = TRUE`,
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
}

func (s *PostgresStore) CurrentSpan(ctx context.Context, userID string) (SpanRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = $1 AND is_current = TRUE`,
		userID,
	)
	return scanSpanRow(row)
}

func (s *PostgresStore) NextSpan(ctx context.Context, userID string) (SpanRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SpanRecord{}, fmt.Errorf("begin advance transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanSpanRow(tx.QueryRowContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = $1 AND is_current = TRUE
FOR UPDATE`,
		userID,
	))
	if err != nil {
		return SpanRecord{}, err
	}

	next, err := scanSpanRow(tx.QueryRowContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = $1 AND start_time < $2
ORDER BY start_time DESC
LIMIT 1
FOR UPDATE`,
		userID, current.StartTime.UnixMilli(),
	))
	if err != nil {
		return SpanRecord{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE spans SET is_current = FALSE WHERE span_id = $1`, current.SpanID,
	); err != nil {
		return SpanRecord{}, fmt.Errorf("clear current span %q: %w", current.SpanID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE spans SET is_current = TRUE WHERE span_id = $1`, next.SpanID,
	); err != nil {
		return SpanRecord{}, fmt.Errorf("mark span %q current: %w", next.SpanID, err)
	}

	if err := tx.Commit(); err != nil {
		return SpanRecord{}, fmt.Errorf("commit advance transaction: %w", err)
	}
	next.IsCurrent = true
	return next, nil
}

func (s *PostgresStore) ListSpans(ctx context.Context, userID string, limit int) ([]SpanRecord, error) {
	if limit <= 0 {
		limit = defaultRingCapacity
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT span_id, user_id, start_time, end_time, is_current
FROM spans
WHERE user_id = $1
ORDER BY start_time DESC
LIMIT $2`,
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
