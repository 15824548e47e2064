package outbox

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

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLiteStore is the durable Store. Times are stored as Unix nanoseconds so
// due-time comparisons happen in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the outbox database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) Insert(ctx context.Context, rows []Row) error {
	for i := range rows {
		if err := validateRow(&rows[i]); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, channel, recipient, content, file_ref, status, created_at, attempt_count, next_attempt_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Channel, r.Recipient, r.Content, nullString(r.FileRef), string(r.Status),
			nanos(r.CreatedAt), r.AttemptCount, nanos(r.NextAttemptAt),
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimDue(ctx context.Context, worker string, now time.Time, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.queryIDs(ctx,
		`SELECT id FROM outbox
		 WHERE status = 'pending' AND claimed_by IS NULL AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, created_at LIMIT ?`,
		nanos(now), limit)
	if err != nil {
		return nil, err
	}

	var claimed []Row
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE outbox SET claimed_by = ?, claimed_at = ?
			 WHERE id = ? AND status = 'pending' AND claimed_by IS NULL AND next_attempt_at <= ?`,
			worker, nanos(now), id, nanos(now))
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // another worker won
		}
		row, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, row)
	}
	return claimed, nil
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// settle runs a mutation conditioned on worker holding a pending row.
func (s *SQLiteStore) settle(ctx context.Context, id, worker, set string, args ...interface{}) error {
	query := `UPDATE outbox SET ` + set + `, claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND claimed_by = ? AND status = 'pending'`
	args = append(args, id, worker)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotClaimed
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id, worker string, at time.Time) error {
	return s.settle(ctx, id, worker,
		`status = 'delivered', delivered_at = ?, attempt_count = attempt_count + 1, last_error = NULL`,
		nanos(at))
}

func (s *SQLiteStore) MarkUndeliverable(ctx context.Context, id, worker, reason string) error {
	return s.settle(ctx, id, worker,
		`status = 'undeliverable', attempt_count = attempt_count + 1, last_error = ?`,
		nullString(reason))
}

func (s *SQLiteStore) ScheduleRetry(ctx context.Context, id, worker string, next time.Time, lastErr string) error {
	return s.settle(ctx, id, worker,
		`attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?`,
		nanos(next), nullString(lastErr))
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, worker, lastErr string) error {
	return s.settle(ctx, id, worker,
		`status = 'failed', attempt_count = attempt_count + 1, last_error = ?`,
		nullString(lastErr))
}

func (s *SQLiteStore) Release(ctx context.Context, id, worker string) error {
	return s.settle(ctx, id, worker, `attempt_count = attempt_count`)
}

func (s *SQLiteStore) ReleaseClaims(ctx context.Context, worker string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET claimed_by = NULL, claimed_at = NULL
		 WHERE claimed_by = ? AND status = 'pending'`, worker)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const rowColumns = `id, channel, recipient, content, file_ref, status, created_at, delivered_at,
	attempt_count, next_attempt_at, last_error, claimed_by, claimed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		r                  Row
		status             string
		fileRef, lastErr   sql.NullString
		claimedBy          sql.NullString
		created, next      int64
		delivered, claimed sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.Channel, &r.Recipient, &r.Content, &fileRef, &status, &created, &delivered,
		&r.AttemptCount, &next, &lastErr, &claimedBy, &claimed)
	if err != nil {
		return Row{}, err
	}
	r.Status = Status(status)
	r.FileRef = fileRef.String
	r.LastError = lastErr.String
	r.ClaimedBy = claimedBy.String
	r.CreatedAt = time.Unix(0, created).UTC()
	r.NextAttemptAt = time.Unix(0, next).UTC()
	if delivered.Valid {
		t := time.Unix(0, delivered.Int64).UTC()
		r.DeliveredAt = &t
	}
	if claimed.Valid {
		t := time.Unix(0, claimed.Int64).UTC()
		r.ClaimedAt = &t
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Row, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM outbox WHERE id = ?`, id)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("get %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Row, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}
	query := `SELECT ` + rowColumns + ` FROM outbox`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
