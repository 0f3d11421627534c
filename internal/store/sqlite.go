// Package store implements the relational persistence layer on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"oabot/internal/domain"
)

// SQLiteStore implements domain.Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		openid         TEXT PRIMARY KEY,
		nickname       TEXT,
		subscribed     INTEGER NOT NULL DEFAULT 1,
		subscribed_at  DATETIME,
		unsubscribed_at DATETIME,
		tags           TEXT,
		message_count  INTEGER NOT NULL DEFAULT 0,
		last_seen_at   DATETIME
	);

	CREATE TABLE IF NOT EXISTS contents (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		body           TEXT,
		summary        TEXT,
		status         TEXT NOT NULL DEFAULT 'draft',
		topic          TEXT,
		keywords       TEXT,
		title_variants TEXT,
		media_id       TEXT,
		views          INTEGER NOT NULL DEFAULT 0,
		likes          INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_contents_status ON contents(status);

	CREATE TABLE IF NOT EXISTS content_schedules (
		id              TEXT PRIMARY KEY,
		content_id      TEXT NOT NULL REFERENCES contents(id),
		scheduled_at    DATETIME NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 3,
		idempotency_key TEXT NOT NULL UNIQUE,
		last_error      TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON content_schedules(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS faqs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		question  TEXT NOT NULL,
		answer    TEXT NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS metric_snapshots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		captured_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_kind ON metric_snapshots(kind, captured_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- users ---

func (s *SQLiteStore) UpsertUser(ctx context.Context, u domain.User) error {
	tags, err := json.Marshal(u.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if u.SubscribedAt.IsZero() {
		u.SubscribedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (openid, nickname, subscribed, subscribed_at, tags, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(openid) DO UPDATE SET
		   nickname = excluded.nickname,
		   subscribed = excluded.subscribed,
		   subscribed_at = excluded.subscribed_at,
		   unsubscribed_at = NULL,
		   tags = excluded.tags,
		   last_seen_at = excluded.last_seen_at`,
		u.OpenID, u.Nickname, boolToInt(u.Subscribed), u.SubscribedAt, string(tags), time.Now(),
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, openID string) (*domain.User, error) {
	var (
		u          domain.User
		subscribed int
		tags       sql.NullString
		subAt      sql.NullTime
		seenAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT openid, nickname, subscribed, subscribed_at, tags, message_count, last_seen_at
		 FROM users WHERE openid = ?`, openID,
	).Scan(&u.OpenID, &u.Nickname, &subscribed, &subAt, &tags, &u.MessageCount, &seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Subscribed = subscribed != 0
	if subAt.Valid {
		u.SubscribedAt = subAt.Time
	}
	if seenAt.Valid {
		u.LastSeenAt = seenAt.Time
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &u.Tags); err != nil {
			s.logger.Warn("corrupt tags column", "openid", openID, "error", err)
		}
	}
	return &u, nil
}

func (s *SQLiteStore) MarkUnsubscribed(ctx context.Context, openID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET subscribed = 0, unsubscribed_at = ? WHERE openid = ?`,
		time.Now(), openID)
	return err
}

func (s *SQLiteStore) TouchUser(ctx context.Context, openID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET message_count = message_count + 1, last_seen_at = ? WHERE openid = ?`,
		time.Now(), openID)
	return err
}

func (s *SQLiteStore) CountUsers(ctx context.Context, subscribedOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM users`
	if subscribedOnly {
		q += ` WHERE subscribed = 1`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) UserGrowth(ctx context.Context, days int) ([]domain.GrowthPoint, error) {
	since := time.Now().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, SUM(joined), SUM(churned) FROM (
		   SELECT date(subscribed_at) AS day, 1 AS joined, 0 AS churned
		     FROM users WHERE subscribed_at >= ?
		   UNION ALL
		   SELECT date(unsubscribed_at) AS day, 0 AS joined, 1 AS churned
		     FROM users WHERE unsubscribed_at >= ?
		 ) GROUP BY day ORDER BY day`, since, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GrowthPoint
	for rows.Next() {
		var p domain.GrowthPoint
		if err := rows.Scan(&p.Day, &p.NewUsers, &p.ChurnedUsers); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- contents ---

func (s *SQLiteStore) SaveContent(ctx context.Context, c domain.Content) error {
	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	variants, err := json.Marshal(c.TitleVariants)
	if err != nil {
		return fmt.Errorf("marshal title variants: %w", err)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contents (id, title, body, summary, status, topic, keywords, title_variants, media_id, views, likes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title, body = excluded.body, summary = excluded.summary,
		   status = excluded.status, topic = excluded.topic, keywords = excluded.keywords,
		   title_variants = excluded.title_variants, media_id = excluded.media_id,
		   updated_at = excluded.updated_at`,
		c.ID, c.Title, c.Body, c.Summary, string(c.Status), c.Topic,
		string(keywords), string(variants), c.MediaID, c.Views, c.Likes, c.CreatedAt, now,
	)
	return err
}

func (s *SQLiteStore) GetContent(ctx context.Context, id string) (*domain.Content, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, summary, status, topic, keywords, title_variants, media_id, views, likes, created_at, updated_at
		 FROM contents WHERE id = ?`, id)
	return scanContent(row)
}

func (s *SQLiteStore) UpdateContentStatus(ctx context.Context, id string, status domain.ContentStatus, mediaID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contents SET status = ?, media_id = CASE WHEN ? != '' THEN ? ELSE media_id END, updated_at = ?
		 WHERE id = ?`,
		string(status), mediaID, mediaID, time.Now(), id)
	return err
}

func (s *SQLiteStore) TopContents(ctx context.Context, limit int) ([]domain.Content, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body, summary, status, topic, keywords, title_variants, media_id, views, likes, created_at, updated_at
		 FROM contents WHERE status = 'published' ORDER BY views DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestDraft(ctx context.Context) (*domain.Content, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, summary, status, topic, keywords, title_variants, media_id, views, likes, created_at, updated_at
		 FROM contents WHERE status = 'draft' ORDER BY created_at DESC LIMIT 1`)
	return scanContent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*domain.Content, error) {
	var (
		c                  domain.Content
		status             string
		keywords, variants sql.NullString
	)
	err := row.Scan(&c.ID, &c.Title, &c.Body, &c.Summary, &status, &c.Topic,
		&keywords, &variants, &c.MediaID, &c.Views, &c.Likes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = domain.ContentStatus(status)
	if keywords.Valid && keywords.String != "" {
		_ = json.Unmarshal([]byte(keywords.String), &c.Keywords)
	}
	if variants.Valid && variants.String != "" {
		_ = json.Unmarshal([]byte(variants.String), &c.TitleVariants)
	}
	return &c, nil
}

// --- schedules ---

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc domain.ContentSchedule) error {
	if sc.MaxRetries <= 0 {
		sc.MaxRetries = 3
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_schedules (id, content_id, scheduled_at, status, retry_count, max_retries, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.ContentID, sc.ScheduledAt, string(domain.SchedulePending),
		sc.RetryCount, sc.MaxRetries, sc.IdempotencyKey, sc.CreatedAt)
	return err
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*domain.ContentSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_id, scheduled_at, status, retry_count, max_retries, idempotency_key, COALESCE(last_error, ''), created_at
		 FROM content_schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *SQLiteStore) DueSchedules(ctx context.Context, before time.Time) ([]domain.ContentSchedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, content_id, scheduled_at, status, retry_count, max_retries, idempotency_key, COALESCE(last_error, ''), created_at
		 FROM content_schedules WHERE status = 'pending' AND scheduled_at <= ? ORDER BY scheduled_at`, before)
}

func (s *SQLiteStore) PendingSchedules(ctx context.Context) ([]domain.ContentSchedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, content_id, scheduled_at, status, retry_count, max_retries, idempotency_key, COALESCE(last_error, ''), created_at
		 FROM content_schedules WHERE status = 'pending' ORDER BY scheduled_at`)
}

func (s *SQLiteStore) querySchedules(ctx context.Context, q string, args ...any) ([]domain.ContentSchedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContentSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (*domain.ContentSchedule, error) {
	var (
		sc     domain.ContentSchedule
		status string
	)
	err := row.Scan(&sc.ID, &sc.ContentID, &sc.ScheduledAt, &status,
		&sc.RetryCount, &sc.MaxRetries, &sc.IdempotencyKey, &sc.LastError, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc.Status = domain.ScheduleStatus(status)
	return &sc, nil
}

// ClaimSchedule flips one pending schedule to publishing. The guarded
// UPDATE makes the claim exclusive: a second claim of the same row reports
// false, so concurrent or repeated job runs publish at most once.
func (s *SQLiteStore) ClaimSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_schedules SET status = 'publishing' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) MarkSchedulePublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_schedules SET status = 'success', last_error = NULL WHERE id = ?`, id)
	return err
}

// MarkScheduleFailed records the failure; retryable failures below the
// retry budget go back to pending for the next run.
func (s *SQLiteStore) MarkScheduleFailed(ctx context.Context, id string, reason string, retryable bool) error {
	if retryable {
		res, err := s.db.ExecContext(ctx,
			`UPDATE content_schedules
			 SET retry_count = retry_count + 1, last_error = ?,
			     status = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END
			 WHERE id = ?`, reason, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("schedule %s not found", id)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_schedules SET status = 'failed', last_error = ? WHERE id = ?`, reason, id)
	return err
}

// --- faqs ---

func (s *SQLiteStore) SearchFAQ(ctx context.Context, text string) (*domain.FAQ, error) {
	var f domain.FAQ
	err := s.db.QueryRowContext(ctx,
		`SELECT id, question, answer, hit_count FROM faqs
		 WHERE ? LIKE '%' || question || '%' ORDER BY hit_count DESC LIMIT 1`, text,
	).Scan(&f.ID, &f.Question, &f.Answer, &f.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE faqs SET hit_count = hit_count + 1 WHERE id = ?`, f.ID); err != nil {
		s.logger.Warn("faq hit count update failed", "id", f.ID, "error", err)
	}
	return &f, nil
}

func (s *SQLiteStore) AddFAQ(ctx context.Context, f domain.FAQ) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO faqs (question, answer, hit_count) VALUES (?, ?, ?)`,
		f.Question, f.Answer, f.HitCount)
	return err
}

// --- metric snapshots ---

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap domain.MetricSnapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_snapshots (kind, payload, captured_at) VALUES (?, ?, ?)`,
		snap.Kind, snap.Payload, snap.CapturedAt)
	return err
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, kind string) (*domain.MetricSnapshot, error) {
	var snap domain.MetricSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, captured_at FROM metric_snapshots
		 WHERE kind = ? ORDER BY captured_at DESC LIMIT 1`, kind,
	).Scan(&snap.ID, &snap.Kind, &snap.Payload, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) SnapshotsSince(ctx context.Context, kind string, since time.Time) ([]domain.MetricSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, captured_at FROM metric_snapshots
		 WHERE kind = ? AND captured_at >= ? ORDER BY captured_at`, kind, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MetricSnapshot
	for rows.Next() {
		var snap domain.MetricSnapshot
		if err := rows.Scan(&snap.ID, &snap.Kind, &snap.Payload, &snap.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
