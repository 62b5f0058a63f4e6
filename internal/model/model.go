// Package model defines the core entities of the ingestion pipeline:
// channels, posts, the in-memory solver session, and the work items
// worker pools track while processing a post.
package model

import "time"

// Channel is a top-level source listing on the protected host, scanned
// periodically by the automation loop.
type Channel struct {
	ID            int64
	Name          string
	URL           string
	CheckInterval time.Duration
	IsActive      bool
	LastChecked   *time.Time
}

// Due reports whether the channel is due for a scan at instant now.
func (c *Channel) Due(now time.Time) bool {
	if c.LastChecked == nil {
		return true
	}
	return now.Sub(*c.LastChecked) >= c.CheckInterval
}

// Post is a single media page discovered on a channel ("video record").
type Post struct {
	URL                 string
	Title                string
	PostID               string
	MediaSourceURL       string
	Downloaded           bool
	DownloadPath         string
	DownloadedAt         *time.Time
	Uploaded             bool
	UploadMessageID      string
	LastUploadAttemptAt  *time.Time
	DiscoveredAt         time.Time
}

// HasMediaURL reports whether a media source URL has been resolved.
func (p *Post) HasMediaURL() bool {
	return p.MediaSourceURL != ""
}

// Candidate is the result of scanning a channel page: a post not yet
// persisted, still missing its media source URL.
type Candidate struct {
	Title  string
	URL    string
	PostID string
}

// Session is the in-memory handle to a live solver session. It is never
// persisted; it is rebuilt on expiry, on explicit renewal, and on every
// process start.
type Session struct {
	SolverSessionID   string
	CreatedAt         time.Time
	CurrentUserAgent  string
}

// Expired reports whether the session has outlived its TTL as of now.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.CreatedAt) > ttl
}

// Stage identifies a pipeline stage a WorkItem is currently occupying.
type Stage string

const (
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// Progress is the mutable record a worker updates while processing a
// WorkItem. It is owned exclusively by the worker holding the item; no
// other goroutine mutates it concurrently, though readers (the
// dashboard) may read it under the owning map's lock.
type Progress struct {
	Stage      Stage
	WorkerID   int
	URL        string
	BytesKnown int64
	BytesRead  int64
	Status     string
	StartedAt  time.Time
	EndedAt    time.Time
}

// WorkItem is a handle to a Post plus its mutable progress record,
// bounded by a single worker's processing span.
type WorkItem struct {
	Post     *Post
	Progress *Progress
}
