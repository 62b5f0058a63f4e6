package dashboard

import (
	"strings"
	"testing"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
	"github.com/lakshaybot/pullcron/internal/pipeline"
)

type countingWriter struct {
	strings.Builder
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Builder.Write(p)
}

// TestRenderDedupesIdenticalSnapshots verifies the emission rule: an
// unchanged snapshot is not re-printed before the staleness ceiling.
func TestRenderDedupesIdenticalSnapshots(t *testing.T) {
	w := &countingWriter{}
	r := NewRenderer(w)

	snap := pipeline.Snapshot{Status: "scanning alpha", DownloadWorkers: 3, UploadWorkers: 2}

	r.Render(snap)
	r.Render(snap)
	r.Render(snap)

	if w.writes != 1 {
		t.Fatalf("expected exactly 1 write for 3 identical renders, got %d", w.writes)
	}
}

// TestRenderPrintsOnChange verifies a changed snapshot is always
// printed even if the staleness ceiling has not elapsed.
func TestRenderPrintsOnChange(t *testing.T) {
	w := &countingWriter{}
	r := NewRenderer(w)

	r.Render(pipeline.Snapshot{Status: "scanning alpha"})
	r.Render(pipeline.Snapshot{Status: "scanning beta"})

	if w.writes != 2 {
		t.Fatalf("expected 2 writes for 2 distinct snapshots, got %d", w.writes)
	}
}

// TestRenderAlwaysEmitsPastStalenessCeiling verifies the "at least
// every 30s" rule fires even for an unchanged snapshot once enough
// wall-clock time has passed.
func TestRenderAlwaysEmitsPastStalenessCeiling(t *testing.T) {
	w := &countingWriter{}
	r := NewRenderer(w)

	snap := pipeline.Snapshot{Status: "idle"}
	r.Render(snap)
	r.lastPrint = time.Now().Add(-maxStaleness - time.Second)
	r.Render(snap)

	if w.writes != 2 {
		t.Fatalf("expected a forced re-emit past the staleness ceiling, got %d writes", w.writes)
	}
}

// TestFormatLimitsActiveItemsShown verifies the dashboard caps active
// downloads/uploads displayed to 5 and 3 respectively.
func TestFormatLimitsActiveItemsShown(t *testing.T) {
	r := NewRenderer(&countingWriter{})

	var downloads, uploads []*model.Progress
	for i := 0; i < 8; i++ {
		downloads = append(downloads, &model.Progress{WorkerID: i, URL: "d", StartedAt: time.Now()})
	}
	for i := 0; i < 6; i++ {
		uploads = append(uploads, &model.Progress{WorkerID: i, URL: "u", StartedAt: time.Now()})
	}

	text := r.format(pipeline.Snapshot{ActiveDownloads: downloads, ActiveUploads: uploads})

	if strings.Count(text, "download[") != 5 {
		t.Fatalf("expected 5 active downloads rendered, got %d", strings.Count(text, "download["))
	}
	if strings.Count(text, "upload[") != 3 {
		t.Fatalf("expected 3 active uploads rendered, got %d", strings.Count(text, "upload["))
	}
}
