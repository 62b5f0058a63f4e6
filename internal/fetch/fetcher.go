// Package fetch implements the retry-wrapped page fetching operations
// (C3) layered on top of the session manager and solver client: fetch a
// post listing page's HTML, or resolve a post's underlying media URL.
// Both retry a fixed number of times, renewing the solver session on
// ban-like failures, following the donor's engine.go retry-with-backoff
// shape from internal/engine/scheduler.go.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lakshaybot/pullcron/internal/session"
	"github.com/lakshaybot/pullcron/internal/solver"
)

const retryDelay = 2 * time.Second

// Fetcher resolves page HTML and media asset URLs through a shared
// session manager and solver client, retrying transient failures.
type Fetcher struct {
	sessions   *session.Manager
	client     *solver.Client
	logger     *slog.Logger
	maxRetries int
}

// New builds a Fetcher. maxRetries is the number of retries beyond the
// first attempt (spec default: 2).
func New(sessions *session.Manager, client *solver.Client, logger *slog.Logger, maxRetries int) *Fetcher {
	return &Fetcher{
		sessions:   sessions,
		client:     client,
		logger:     logger.With("component", "page_fetcher"),
		maxRetries: maxRetries,
	}
}

// FetchHTML fetches a page's rendered HTML, retrying up to maxRetries
// times. A ban-like response triggers a forced session renewal before
// the next attempt.
func (f *Fetcher) FetchHTML(ctx context.Context, url string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying fetch", "url", url, "attempt", attempt, "last_error", lastErr)
			if !f.sleep(ctx) {
				return "", ctx.Err()
			}
		}

		if _, err := f.sessions.Acquire(ctx); err != nil {
			lastErr = err
			continue
		}

		html, _, _, err := f.client.GetPage(ctx, url)
		if err == nil {
			return html, nil
		}
		lastErr = err

		if solver.IsBanLike(err) {
			f.logger.Warn("ban-like response, renewing session", "url", url)
			if _, rErr := f.sessions.Renew(ctx); rErr != nil {
				lastErr = rErr
			}
		}
	}

	return "", fmt.Errorf("fetch html %s: %w", url, lastErr)
}

// ResolveMediaURL resolves a post's underlying media asset URL via the
// solver's compound browser-network-capture operation, retrying up to
// maxRetries times on error. An empty URL with a nil error means no
// matching network request was observed within the capture window; that
// is not treated as an error by callers.
func (f *Fetcher) ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying media url resolution", "post_url", postURL, "attempt", attempt, "last_error", lastErr)
			if !f.sleep(ctx) {
				return "", ctx.Err()
			}
		}

		if _, err := f.sessions.Acquire(ctx); err != nil {
			lastErr = err
			continue
		}

		mediaURL, err := f.client.GetMediaURL(ctx, postURL, postID)
		if err == nil {
			return mediaURL, nil
		}
		lastErr = err

		if solver.IsBanLike(err) {
			f.logger.Warn("ban-like response, renewing session", "post_url", postURL)
			if _, rErr := f.sessions.Renew(ctx); rErr != nil {
				lastErr = rErr
			}
		}
	}

	return "", fmt.Errorf("resolve media url %s: %w", postURL, lastErr)
}

func (f *Fetcher) sleep(ctx context.Context) bool {
	t := time.NewTimer(retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
