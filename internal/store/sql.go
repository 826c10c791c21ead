package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/notification"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const notificationColumns = `id, rule_name, template_name, event_type, title, content, channel,
	is_urgent, dedup_key, status, suppress_reason, retry_count, created_at, updated_at, sent_at, last_error`

// SQL is a database/sql backed store for notifications, dedup entries and
// rate counters.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	logger  *logger.Logger
}

// OpenSQL connects to the database, verifies the connection and applies
// migrations.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, log *logger.Logger) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store dsn is required")
	}

	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported store dialect: %s", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if dialect == DialectSQLite {
		// single writer; also keeps ":memory:" databases on one connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectSQLite {
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	}

	s := NewSQL(db, dialect, log)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("connected to database", "dialect", string(dialect))
	return s, nil
}

// NewSQL wraps an open connection without running migrations.
func NewSQL(db *sql.DB, dialect Dialect, log *logger.Logger) *SQL {
	return &SQL{db: db, dialect: dialect, logger: log}
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (s *SQL) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQL) Create(ctx context.Context, n *notification.Notification) error {
	query := s.rebind(`INSERT INTO notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.RuleName, n.TemplateName, n.EventType, n.Title, n.Content, n.Channel,
		boolToInt(n.IsUrgent), nullString(n.DedupKey), string(n.Status), n.SuppressReason, n.RetryCount,
		n.CreatedAt.UnixMilli(), n.UpdatedAt.UnixMilli(), nullMillis(n.SentAt), nullString(n.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, n *notification.Notification) error {
	query := s.rebind(`UPDATE notifications
		SET status = ?, suppress_reason = ?, retry_count = ?, updated_at = ?, sent_at = ?, last_error = ?
		WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		string(n.Status), n.SuppressReason, n.RetryCount, n.UpdatedAt.UnixMilli(),
		nullMillis(n.SentAt), nullString(n.LastError), n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", notification.ErrNotFound, n.ID)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*notification.Notification, error) {
	query := s.rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?`)

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// List returns matching records, newest first.
func (s *SQL) List(ctx context.Context, f notification.Filter) ([]*notification.Notification, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RuleName != "" {
		where = append(where, "rule_name = ?")
		args = append(args, f.RuleName)
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return out, nil
}

func (s *SQL) Stats(ctx context.Context, now time.Time) (notification.Stats, error) {
	stats := notification.NewStats()

	rows, err := s.db.QueryContext(ctx, `SELECT rule_name, channel, status, is_urgent, COUNT(*)
		FROM notifications
		GROUP BY rule_name, channel, status, is_urgent`)
	if err != nil {
		return stats, fmt.Errorf("failed to query notification stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ruleName, channel, status string
			urgent                    int
			count                     int64
		)
		if err := rows.Scan(&ruleName, &channel, &status, &urgent, &count); err != nil {
			return stats, fmt.Errorf("failed to scan notification stats: %w", err)
		}
		stats.Add(ruleName, channel, notification.Status(status), urgent != 0, count)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating notification stats: %w", err)
	}

	query := s.rebind(`SELECT COUNT(*) FROM notifications WHERE created_at >= ?`)
	if err := s.db.QueryRowContext(ctx, query, notification.StartOfDay(now).UnixMilli()).Scan(&stats.Today); err != nil {
		return stats, fmt.Errorf("failed to count today's notifications: %w", err)
	}

	stats.Finish()
	return stats, nil
}

// MarkIfAbsent claims key for window unless a live entry exists. The
// upsert only overwrites expired rows, so exactly one caller per window
// sees a modified row.
func (s *SQL) MarkIfAbsent(ctx context.Context, key string, now time.Time, window time.Duration) (bool, time.Time, error) {
	nowMs := now.UnixMilli()
	query := s.rebind(`INSERT INTO dedup_entries (dedup_key, first_seen, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (dedup_key) DO UPDATE
		SET first_seen = excluded.first_seen, expires_at = excluded.expires_at
		WHERE dedup_entries.expires_at <= ?`)

	result, err := s.db.ExecContext(ctx, query, key, nowMs, now.Add(window).UnixMilli(), nowMs)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to mark dedup key: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, now, nil
	}

	var firstSeen int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT first_seen FROM dedup_entries WHERE dedup_key = ?`), key).Scan(&firstSeen)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to read dedup key: %w", err)
	}
	return false, time.UnixMilli(firstSeen), nil
}

// IncrBucket increments the counter of rule's bucket and returns the new
// count.
func (s *SQL) IncrBucket(ctx context.Context, rule string, bucket int64, window time.Duration) (int64, error) {
	expiresAt := time.Unix((bucket+1)*int64(window/time.Second), 0).UnixMilli()
	query := s.rebind(`INSERT INTO rate_counters (rule_name, bucket, count, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (rule_name, bucket) DO UPDATE
		SET count = rate_counters.count + 1
		RETURNING count`)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, rule, bucket, expiresAt).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return count, nil
}

// PurgeExpired removes expired dedup entries and rate counters.
func (s *SQL) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	var total int64
	for _, table := range []string{"dedup_entries", "rate_counters"} {
		result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE expires_at <= ?`), nowMs)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var (
		n                    notification.Notification
		status               string
		urgent               int
		dedupKey, lastError  sql.NullString
		createdAt, updatedAt int64
		sentAt               sql.NullInt64
	)
	err := row.Scan(
		&n.ID, &n.RuleName, &n.TemplateName, &n.EventType, &n.Title, &n.Content, &n.Channel,
		&urgent, &dedupKey, &status, &n.SuppressReason, &n.RetryCount,
		&createdAt, &updatedAt, &sentAt, &lastError,
	)
	if err != nil {
		return nil, err
	}

	n.Status = notification.Status(status)
	n.IsUrgent = urgent != 0
	n.CreatedAt = time.UnixMilli(createdAt)
	n.UpdatedAt = time.UnixMilli(updatedAt)
	if dedupKey.Valid {
		n.DedupKey = &dedupKey.String
	}
	if lastError.Valid {
		n.LastError = &lastError.String
	}
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		n.SentAt = &t
	}
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
