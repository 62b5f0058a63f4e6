// Package automation implements the automation loop (C8): an infinite
// poll of active channels that invokes the scanner, dedupes against the
// store, resolves media URLs for new posts, and hands undownloaded
// posts to the orchestrator without ever blocking on download or
// upload completion.
package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
)

const (
	monitorCap  = 20
	cycleDelay  = 60 * time.Second
	idleSleep   = 45 * time.Second
	channelGap  = 2 * time.Second
)

// Scanner is the subset of *scanner.Scanner the loop drives.
type Scanner interface {
	Scan(ctx context.Context, channelURL string, cap int, fullScan bool) ([]model.Candidate, error)
}

// Resolver is the subset of *fetch.Fetcher the loop drives.
type Resolver interface {
	ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error)
}

// Enqueuer is the subset of *pipeline.Orchestrator the loop drives.
type Enqueuer interface {
	Enqueue(items []*model.Post)
	UpdateStatus(text string)
}

// Store is the subset of *store.Store the loop depends on.
type Store interface {
	GetActiveChannels(ctx context.Context) ([]*model.Channel, error)
	TouchChannelLastChecked(ctx context.Context, id int64) error
	PostExists(ctx context.Context, url string) (bool, error)
	UpsertPosts(ctx context.Context, posts []*model.Post) error
	UpdateMediaURL(ctx context.Context, url, newURL string) error
	GetUndownloadedPosts(ctx context.Context) ([]*model.Post, error)
}

// Loop drives the scan/resolve/persist/enqueue cycle.
type Loop struct {
	store    Store
	scanner  Scanner
	resolver Resolver
	queue    Enqueuer
	logger   *slog.Logger
}

// New builds a Loop.
func New(store Store, scanner Scanner, resolver Resolver, queue Enqueuer, logger *slog.Logger) *Loop {
	return &Loop{
		store:    store,
		scanner:  scanner,
		resolver: resolver,
		queue:    queue,
		logger:   logger.With("component", "automation_loop"),
	}
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		channels, err := l.store.GetActiveChannels(ctx)
		if err != nil {
			l.logger.Error("failed to list active channels", "error", err)
			if !l.sleep(ctx, cycleDelay) {
				return
			}
			continue
		}

		due := dueChannels(channels, time.Now())
		if len(due) == 0 {
			if !l.sleep(ctx, idleSleep) {
				return
			}
			continue
		}

		for i, ch := range due {
			if ctx.Err() != nil {
				return
			}
			l.scanChannel(ctx, ch)
			if i < len(due)-1 {
				if !l.sleep(ctx, channelGap) {
					return
				}
			}
		}

		pending, err := l.store.GetUndownloadedPosts(ctx)
		if err != nil {
			l.logger.Error("failed to list undownloaded posts", "error", err)
		} else if len(pending) > 0 {
			l.queue.Enqueue(pending)
		}

		if !l.sleep(ctx, cycleDelay) {
			return
		}
	}
}

func dueChannels(channels []*model.Channel, now time.Time) []*model.Channel {
	var due []*model.Channel
	for _, ch := range channels {
		if ch.Due(now) {
			due = append(due, ch)
		}
	}
	return due
}

func (l *Loop) scanChannel(ctx context.Context, ch *model.Channel) {
	l.queue.UpdateStatus("scanning " + ch.Name)

	candidates, err := l.scanner.Scan(ctx, ch.URL, monitorCap, false)
	if err != nil {
		l.logger.Error("scan failed", "channel", ch.Name, "error", err)
		_ = l.store.TouchChannelLastChecked(ctx, ch.ID)
		return
	}

	now := time.Now()

	for _, c := range candidates {
		exists, err := l.store.PostExists(ctx, c.URL)
		if err != nil {
			l.logger.Error("exists check failed", "url", c.URL, "error", err)
			continue
		}
		if exists {
			continue
		}

		post := &model.Post{Title: c.Title, URL: c.URL, PostID: c.PostID, DiscoveredAt: now}

		if err := l.store.UpsertPosts(ctx, []*model.Post{post}); err != nil {
			l.logger.Error("persist post failed", "url", c.URL, "error", err)
			continue
		}

		mediaURL, err := l.resolver.ResolveMediaURL(ctx, post.URL, post.PostID)
		if err != nil {
			l.logger.Warn("resolve media url failed", "url", post.URL, "error", err)
		} else if mediaURL != "" {
			post.MediaSourceURL = mediaURL
			if err := l.store.UpdateMediaURL(ctx, post.URL, mediaURL); err != nil {
				l.logger.Error("persist media url failed", "url", post.URL, "error", err)
			}
		}
	}

	_ = l.store.TouchChannelLastChecked(ctx, ch.ID)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
