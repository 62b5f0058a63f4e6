package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
)

type fakeDownloader struct {
	calls      atomic.Int32
	concurrent atomic.Int32
	maxSeen    atomic.Int32
}

func (f *fakeDownloader) Download(ctx context.Context, post *model.Post, progress func(known, read int64)) error {
	f.calls.Add(1)
	n := f.concurrent.Add(1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.concurrent.Add(-1)
	return nil
}

func TestEnqueueRespectsDownloadConcurrencyBound(t *testing.T) {
	downloader := &fakeDownloader{}
	o := New(3, 0, downloader, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	var items []*model.Post
	for i := 0; i < 20; i++ {
		items = append(items, &model.Post{URL: string(rune('a' + i))})
	}
	o.ProcessBlocking(items)

	if downloader.calls.Load() != 20 {
		t.Fatalf("expected all 20 items to be downloaded, got %d", downloader.calls.Load())
	}
	if downloader.maxSeen.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent downloads, saw %d", downloader.maxSeen.Load())
	}
}

type fakeUploader struct {
	calls atomic.Int32
}

func (f *fakeUploader) Upload(ctx context.Context, post *model.Post) error {
	f.calls.Add(1)
	return nil
}

// TestEnqueueUploadsResumesDownloadedNotUploadedPosts exercises the
// startup resume path: posts handed directly to EnqueueUploads skip
// the download stage and are picked up by an upload worker.
func TestEnqueueUploadsResumesDownloadedNotUploadedPosts(t *testing.T) {
	downloader := &fakeDownloader{}
	uploader := &fakeUploader{}
	o := New(1, 1, downloader, uploader, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	o.EnqueueUploads([]*model.Post{{URL: "https://example/post/resume-1"}})

	deadline := time.Now().Add(time.Second)
	for uploader.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if uploader.calls.Load() != 1 {
		t.Fatalf("expected the resumed item to reach the uploader, got %d calls", uploader.calls.Load())
	}
	if downloader.calls.Load() != 0 {
		t.Fatalf("expected EnqueueUploads to bypass the download stage, got %d download calls", downloader.calls.Load())
	}
}

// TestEnqueueUploadsNoopWithoutUploader ensures resuming uploads is a
// silent no-op when delivery is not configured.
func TestEnqueueUploadsNoopWithoutUploader(t *testing.T) {
	downloader := &fakeDownloader{}
	o := New(1, 2, downloader, nil, slog.Default())

	o.EnqueueUploads([]*model.Post{{URL: "https://example/post/resume-2"}})

	if len(o.uploadQueue) != 0 {
		t.Fatalf("expected no items queued without an uploader, got %d", len(o.uploadQueue))
	}
}

func TestNoUploadWorkersWithoutUploader(t *testing.T) {
	downloader := &fakeDownloader{}
	o := New(2, 2, downloader, nil, slog.Default())

	if o.uploadWorkers != 0 {
		t.Fatalf("expected upload workers forced to 0 without an uploader, got %d", o.uploadWorkers)
	}
}

func TestSnapshotReportsQueuedAndCompleted(t *testing.T) {
	downloader := &fakeDownloader{}
	o := New(1, 0, downloader, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	o.ProcessBlocking([]*model.Post{{URL: "https://example/post/1"}})

	snap := o.Snapshot()
	if snap.CompletedDownloads != 1 {
		t.Fatalf("expected 1 completed download, got %d", snap.CompletedDownloads)
	}
	if snap.DownloadWorkers != 1 {
		t.Fatalf("expected 1 download worker reported, got %d", snap.DownloadWorkers)
	}
}
