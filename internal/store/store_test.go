package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pullcron.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveChannelAndGetActiveChannels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveChannel(ctx, "alpha", "https://example/ch/alpha.html", 1); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	// Saving the same URL twice must be a no-op, not a duplicate row.
	if err := s.SaveChannel(ctx, "alpha-renamed", "https://example/ch/alpha.html", 2); err != nil {
		t.Fatalf("SaveChannel (conflict): %v", err)
	}

	channels, err := s.GetActiveChannels(ctx)
	if err != nil {
		t.Fatalf("GetActiveChannels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected 1 channel after duplicate save, got %d", len(channels))
	}
	if channels[0].Name != "alpha" {
		t.Fatalf("expected original name preserved, got %q", channels[0].Name)
	}
	if channels[0].CheckInterval != time.Minute {
		t.Fatalf("expected 60s interval, got %s", channels[0].CheckInterval)
	}
	if channels[0].LastChecked != nil {
		t.Fatal("expected nil LastChecked on a freshly saved channel")
	}
}

func TestTouchChannelLastChecked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveChannel(ctx, "alpha", "https://example/ch/alpha.html", 1); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}
	channels, _ := s.GetActiveChannels(ctx)
	id := channels[0].ID

	if err := s.TouchChannelLastChecked(ctx, id); err != nil {
		t.Fatalf("TouchChannelLastChecked: %v", err)
	}

	channels, err := s.GetActiveChannels(ctx)
	if err != nil {
		t.Fatalf("GetActiveChannels: %v", err)
	}
	if channels[0].LastChecked == nil {
		t.Fatal("expected LastChecked to be set after touch")
	}
}

func TestUpsertPostsInsertsAndRefreshesOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	post := &model.Post{URL: "https://example/post/X1", Title: "First", PostID: "X1", DiscoveredAt: time.Now()}
	if err := s.UpsertPosts(ctx, []*model.Post{post}); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	exists, err := s.PostExists(ctx, post.URL)
	if err != nil || !exists {
		t.Fatalf("expected post to exist, exists=%v err=%v", exists, err)
	}

	updated := &model.Post{URL: post.URL, Title: "Updated Title", PostID: "X1", MediaSourceURL: "https://cdn/x1.vid", DiscoveredAt: time.Now()}
	if err := s.UpsertPosts(ctx, []*model.Post{updated}); err != nil {
		t.Fatalf("UpsertPosts (conflict): %v", err)
	}

	all, err := s.GetAllPosts(ctx)
	if err != nil {
		t.Fatalf("GetAllPosts: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 post (unique url), got %d", len(all))
	}
	if all[0].Title != "Updated Title" {
		t.Fatalf("expected title refreshed on conflict, got %q", all[0].Title)
	}
	if all[0].MediaSourceURL != "https://cdn/x1.vid" {
		t.Fatalf("expected media source url set on conflict, got %q", all[0].MediaSourceURL)
	}
}

func TestMarkDownloadedAndGetUndownloadedPosts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &model.Post{URL: "https://example/post/A", Title: "A", PostID: "A", MediaSourceURL: "https://cdn/a.vid", DiscoveredAt: time.Now()}
	b := &model.Post{URL: "https://example/post/B", Title: "B", PostID: "B", DiscoveredAt: time.Now()}
	if err := s.UpsertPosts(ctx, []*model.Post{a, b}); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}

	undownloaded, err := s.GetUndownloadedPosts(ctx)
	if err != nil {
		t.Fatalf("GetUndownloadedPosts: %v", err)
	}
	if len(undownloaded) != 1 || undownloaded[0].URL != a.URL {
		t.Fatalf("expected only post A (has media url, undownloaded), got %+v", undownloaded)
	}

	if err := s.MarkDownloaded(ctx, a.URL, "/downloads/a.mp4"); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	undownloaded, err = s.GetUndownloadedPosts(ctx)
	if err != nil {
		t.Fatalf("GetUndownloadedPosts: %v", err)
	}
	if len(undownloaded) != 0 {
		t.Fatalf("expected no undownloaded posts after mark, got %d", len(undownloaded))
	}

	all, _ := s.GetAllPosts(ctx)
	for _, p := range all {
		if p.URL == a.URL {
			if !p.Downloaded || p.DownloadPath != "/downloads/a.mp4" || p.DownloadedAt == nil {
				t.Fatalf("expected post A fully marked downloaded, got %+v", p)
			}
		}
	}
}

func TestMarkUploadedRequiresDownloadedInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	post := &model.Post{URL: "https://example/post/C", Title: "C", PostID: "C", MediaSourceURL: "https://cdn/c.vid", DiscoveredAt: time.Now()}
	if err := s.UpsertPosts(ctx, []*model.Post{post}); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}
	if err := s.MarkDownloaded(ctx, post.URL, "/downloads/c.mp4"); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	pending, err := s.GetDownloadedNotUploadedPosts(ctx)
	if err != nil {
		t.Fatalf("GetDownloadedNotUploadedPosts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending upload, got %d", len(pending))
	}

	if err := s.MarkUploaded(ctx, post.URL, "4821"); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}

	all, err := s.GetAllPosts(ctx)
	if err != nil {
		t.Fatalf("GetAllPosts: %v", err)
	}
	for _, p := range all {
		if p.URL == post.URL {
			// testable property 1: uploaded => downloaded => download_path != ""
			if !p.Uploaded || !p.Downloaded || p.DownloadPath == "" {
				t.Fatalf("invariant violated: %+v", p)
			}
			if p.UploadMessageID != "4821" {
				t.Fatalf("expected upload message id persisted, got %q", p.UploadMessageID)
			}
		}
	}

	pending, err = s.GetDownloadedNotUploadedPosts(ctx)
	if err != nil {
		t.Fatalf("GetDownloadedNotUploadedPosts: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending uploads after marking uploaded, got %d", len(pending))
	}
}

func TestTouchUploadAttemptDoesNotMarkUploaded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	post := &model.Post{URL: "https://example/post/D", Title: "D", PostID: "D", MediaSourceURL: "https://cdn/d.vid", DiscoveredAt: time.Now()}
	if err := s.UpsertPosts(ctx, []*model.Post{post}); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}
	if err := s.MarkDownloaded(ctx, post.URL, "/downloads/d.mp4"); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}
	if err := s.TouchUploadAttempt(ctx, post.URL); err != nil {
		t.Fatalf("TouchUploadAttempt: %v", err)
	}

	all, _ := s.GetAllPosts(ctx)
	for _, p := range all {
		if p.URL == post.URL {
			if p.Uploaded {
				t.Fatal("TouchUploadAttempt must not mark the post uploaded")
			}
			if p.LastUploadAttemptAt == nil {
				t.Fatal("expected last_upload_attempt_at to be set")
			}
		}
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &model.Post{URL: "https://example/post/A", Title: "A", PostID: "A", MediaSourceURL: "https://cdn/a.vid", DiscoveredAt: time.Now()}
	b := &model.Post{URL: "https://example/post/B", Title: "B", PostID: "B", DiscoveredAt: time.Now()}
	if err := s.UpsertPosts(ctx, []*model.Post{a, b}); err != nil {
		t.Fatalf("UpsertPosts: %v", err)
	}
	if err := s.MarkDownloaded(ctx, a.URL, "/downloads/a.mp4"); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}

	if n, err := s.CountUndownloaded(ctx); err != nil || n != 0 {
		t.Fatalf("CountUndownloaded = %d, %v; want 0", n, err)
	}
	if n, err := s.CountDownloads(ctx); err != nil || n != 1 {
		t.Fatalf("CountDownloads = %d, %v; want 1", n, err)
	}
	if n, err := s.CountUploads(ctx); err != nil || n != 0 {
		t.Fatalf("CountUploads = %d, %v; want 0", n, err)
	}
	if n, err := s.CountPendingUploads(ctx); err != nil || n != 1 {
		t.Fatalf("CountPendingUploads = %d, %v; want 1", n, err)
	}
}
