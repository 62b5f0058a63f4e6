// Package store is the relational persistence layer: channels and
// posts, backed by a pure-Go SQLite driver and goose-managed schema
// migrations. Adapted from the donor's internal/db package (Open via
// modernc.org/sqlite DSN pragmas + goose.NewProvider over an embedded
// migrations filesystem), generalized from that donor's session/memory
// schema to this system's channel/post schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/lakshaybot/pullcron/internal/model"
)

// Store wraps a *sql.DB connection and exposes the operations the
// pipeline core depends on.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and
// applies all pending migrations.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	migrationsSub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsSub)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Channels ---

// SaveChannel inserts a new channel, or is a no-op if the URL already
// exists.
func (s *Store) SaveChannel(ctx context.Context, name, url string, checkIntervalMinutes int) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO channels (name, url, check_interval_secs, is_active) VALUES (?, ?, ?, 1)
		 ON CONFLICT(url) DO NOTHING`,
		name, url, checkIntervalMinutes*60,
	)
	if err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

// GetActiveChannels returns all channels with is_active = true.
func (s *Store) GetActiveChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, name, url, check_interval_secs, is_active, last_checked FROM channels WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("get active channels: %w", err)
	}
	defer rows.Close()

	var out []*model.Channel
	for rows.Next() {
		var c model.Channel
		var intervalSecs int64
		var lastChecked sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &intervalSecs, &c.IsActive, &lastChecked); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		c.CheckInterval = time.Duration(intervalSecs) * time.Second
		t, err := parseOptionalTime(lastChecked)
		if err != nil {
			return nil, fmt.Errorf("parse last_checked: %w", err)
		}
		c.LastChecked = t
		out = append(out, &c)
	}
	return out, rows.Err()
}

// TouchChannelLastChecked sets last_checked to now for the given channel.
func (s *Store) TouchChannelLastChecked(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE channels SET last_checked = ? WHERE id = ?`, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("touch channel last checked %d: %w", id, err)
	}
	return nil
}

// --- Posts ---

// UpsertPosts inserts new posts or refreshes title/media_source_url/
// discovered_at on conflict by url.
func (s *Store) UpsertPosts(ctx context.Context, posts []*model.Post) error {
	if len(posts) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert posts: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (url, title, post_id, media_source_url, discovered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			media_source_url = excluded.media_source_url,
			discovered_at = excluded.discovered_at
	`)
	if err != nil {
		return fmt.Errorf("upsert posts: prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range posts {
		var mediaURL any
		if p.MediaSourceURL != "" {
			mediaURL = p.MediaSourceURL
		}
		if _, err := stmt.ExecContext(ctx, p.URL, p.Title, p.PostID, mediaURL, formatTime(p.DiscoveredAt)); err != nil {
			return fmt.Errorf("upsert post %s: %w", p.URL, err)
		}
	}

	return tx.Commit()
}

const postColumns = `url, title, post_id, media_source_url, downloaded, download_path, downloaded_at, uploaded, upload_message_id, last_upload_attempt_at, discovered_at`

func (s *Store) scanPost(row interface {
	Scan(dest ...any) error
}) (*model.Post, error) {
	var p model.Post
	var mediaURL, downloadPath, downloadedAt, uploadMsgID, lastUploadAt sql.NullString
	var discoveredAt string

	if err := row.Scan(&p.URL, &p.Title, &p.PostID, &mediaURL, &p.Downloaded, &downloadPath, &downloadedAt, &p.Uploaded, &uploadMsgID, &lastUploadAt, &discoveredAt); err != nil {
		return nil, err
	}

	if mediaURL.Valid {
		p.MediaSourceURL = mediaURL.String
	}
	if downloadPath.Valid {
		p.DownloadPath = downloadPath.String
	}
	if uploadMsgID.Valid {
		p.UploadMessageID = uploadMsgID.String
	}

	t, err := parseOptionalTime(downloadedAt)
	if err != nil {
		return nil, err
	}
	p.DownloadedAt = t

	t, err = parseOptionalTime(lastUploadAt)
	if err != nil {
		return nil, err
	}
	p.LastUploadAttemptAt = t

	discovered, err := time.Parse(timeLayout, discoveredAt)
	if err != nil {
		return nil, err
	}
	p.DiscoveredAt = discovered

	return &p, nil
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]*model.Post, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Post
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetAllPosts returns every post ordered by discovered_at desc.
func (s *Store) GetAllPosts(ctx context.Context) ([]*model.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts ORDER BY discovered_at DESC`)
}

// GetUndownloadedPosts returns posts with a media URL that are not yet
// downloaded, ordered by discovered_at desc.
func (s *Store) GetUndownloadedPosts(ctx context.Context) ([]*model.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE downloaded = 0 AND media_source_url IS NOT NULL ORDER BY discovered_at DESC`)
}

// GetDownloadedNotUploadedPosts returns downloaded posts awaiting
// upload, ordered by downloaded_at asc.
func (s *Store) GetDownloadedNotUploadedPosts(ctx context.Context) ([]*model.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE downloaded = 1 AND uploaded = 0 AND download_path IS NOT NULL ORDER BY downloaded_at ASC`)
}

// GetPostsMissingMediaURL returns up to limit posts with no resolved
// media URL yet.
func (s *Store) GetPostsMissingMediaURL(ctx context.Context, limit int) ([]*model.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE media_source_url IS NULL ORDER BY discovered_at ASC LIMIT ?`, limit)
}

// PostExists reports whether a post with the given url is already
// persisted.
func (s *Store) PostExists(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts WHERE url = ?`, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("post exists %s: %w", url, err)
	}
	return n > 0, nil
}

// UpdateMediaURL overwrites a post's resolved media source URL.
func (s *Store) UpdateMediaURL(ctx context.Context, url, newURL string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE posts SET media_source_url = ? WHERE url = ?`, newURL, url)
	if err != nil {
		return fmt.Errorf("update media url %s: %w", url, err)
	}
	return nil
}

// MarkDownloaded records a successful download.
func (s *Store) MarkDownloaded(ctx context.Context, url, path string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE posts SET downloaded = 1, download_path = ?, downloaded_at = ? WHERE url = ?`,
		path, formatTime(time.Now()), url,
	)
	if err != nil {
		return fmt.Errorf("mark downloaded %s: %w", url, err)
	}
	return nil
}

// MarkUploaded records a successful upload with its optional message id.
func (s *Store) MarkUploaded(ctx context.Context, url, messageID string) error {
	var mid any
	if messageID != "" {
		mid = messageID
	}
	_, err := s.conn.ExecContext(ctx, `UPDATE posts SET uploaded = 1, upload_message_id = ? WHERE url = ?`, mid, url)
	if err != nil {
		return fmt.Errorf("mark uploaded %s: %w", url, err)
	}
	return nil
}

// TouchUploadAttempt records that an upload attempt was made, without
// marking the post uploaded.
func (s *Store) TouchUploadAttempt(ctx context.Context, url string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE posts SET last_upload_attempt_at = ? WHERE url = ?`, formatTime(time.Now()), url,
	)
	if err != nil {
		return fmt.Errorf("touch upload attempt %s: %w", url, err)
	}
	return nil
}

// --- Dashboard counts ---

func (s *Store) countWhere(ctx context.Context, where string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts WHERE `+where).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts where %s: %w", where, err)
	}
	return n, nil
}

// CountUndownloaded counts posts with a media URL awaiting download.
func (s *Store) CountUndownloaded(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `downloaded = 0 AND media_source_url IS NOT NULL`)
}

// CountPendingUploads counts downloaded posts awaiting upload.
func (s *Store) CountPendingUploads(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `downloaded = 1 AND uploaded = 0`)
}

// CountDownloads counts all downloaded posts.
func (s *Store) CountDownloads(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `downloaded = 1`)
}

// CountUploads counts all uploaded posts.
func (s *Store) CountUploads(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `uploaded = 1`)
}
