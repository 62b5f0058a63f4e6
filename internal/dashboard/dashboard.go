// Package dashboard renders a throttled, append-only text snapshot of
// pipeline state (C9). The donor's dashboard was an HTTP server
// exposing a live web page; this system's contract instead calls for
// an append-only output stream, so the rendering is restructured
// around change-detection and a max-staleness ceiling rather than a
// request/response handler, while keeping the donor's
// StatsProvider-style separation between state collection and
// rendering.
package dashboard

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
	"github.com/lakshaybot/pullcron/internal/pipeline"
)

const maxStaleness = 30 * time.Second

// Renderer prints pipeline.Snapshot values to an output stream,
// deduping identical consecutive renders and enforcing a maximum
// staleness ceiling.
type Renderer struct {
	out       io.Writer
	startedAt time.Time
	lastKey   string
	lastPrint time.Time
}

// NewRenderer builds a Renderer writing to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out, startedAt: time.Now()}
}

// Render formats and conditionally prints a snapshot. Prints only if
// pipeline state changed since the last print, or at least 30s have
// elapsed. Change detection runs against stateKey, not the rendered
// text, since the rendered text embeds the current clock and elapsed
// time and so changes on every tick regardless of pipeline state.
func (r *Renderer) Render(snap pipeline.Snapshot) {
	key := r.stateKey(snap)

	now := time.Now()
	if key == r.lastKey && now.Sub(r.lastPrint) < maxStaleness {
		return
	}

	fmt.Fprintln(r.out, r.format(snap))
	r.lastKey = key
	r.lastPrint = now
}

// stateKey captures the pipeline-state portion of a snapshot: which
// items are active and how much is queued/completed, excluding any
// wall-clock or elapsed-time value that would make the key change on
// every tick even when nothing about the pipeline has.
func (r *Renderer) stateKey(snap pipeline.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "status=%s dl=%d/%d/%d up=%d/%d/%d\n",
		snap.Status,
		len(snap.ActiveDownloads), snap.QueuedDownloads, snap.CompletedDownloads,
		len(snap.ActiveUploads), snap.QueuedUploads, snap.CompletedUploads)

	for _, p := range limitProgress(snap.ActiveDownloads, 5) {
		fmt.Fprintf(&b, "  dl worker=%d %s\n", p.WorkerID, p.URL)
	}
	for _, p := range limitProgress(snap.ActiveUploads, 3) {
		fmt.Fprintf(&b, "  up worker=%d %s\n", p.WorkerID, p.URL)
	}

	return b.String()
}

func (r *Renderer) format(snap pipeline.Snapshot) string {
	var b strings.Builder

	total := len(snap.ActiveDownloads) + len(snap.ActiveUploads) + snap.QueuedDownloads + snap.QueuedUploads + snap.CompletedDownloads + snap.CompletedUploads
	pct := 0.0
	if total > 0 {
		pct = float64(snap.CompletedUploads) / float64(total) * 100
	}

	elapsed := time.Since(r.startedAt)
	eta := estimateETA(elapsed, pct)

	fmt.Fprintf(&b, "[%s] %.1f%% complete | elapsed %s | eta %s\n", time.Now().Format(time.RFC3339), pct, elapsed.Round(time.Second), eta)
	fmt.Fprintf(&b, "status: %s\n", snap.Status)

	for i, p := range limitProgress(snap.ActiveDownloads, 5) {
		fmt.Fprintf(&b, "  download[%d] worker=%d %s %s\n", i, p.WorkerID, p.URL, time.Since(p.StartedAt).Round(time.Second))
	}
	for i, p := range limitProgress(snap.ActiveUploads, 3) {
		fmt.Fprintf(&b, "  upload[%d] worker=%d %s %s\n", i, p.WorkerID, p.URL, time.Since(p.StartedAt).Round(time.Second))
	}

	fmt.Fprintf(&b, "%-10s %-8s %-8s %-10s %-8s\n", "Stage", "Active", "Queued", "Completed", "Workers")
	fmt.Fprintf(&b, "%-10s %-8d %-8d %-10d %-8d\n", "download", len(snap.ActiveDownloads), snap.QueuedDownloads, snap.CompletedDownloads, snap.DownloadWorkers)
	fmt.Fprintf(&b, "%-10s %-8d %-8d %-10d %-8d", "upload", len(snap.ActiveUploads), snap.QueuedUploads, snap.CompletedUploads, snap.UploadWorkers)

	return b.String()
}

func limitProgress(items []*model.Progress, n int) []*model.Progress {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func estimateETA(elapsed time.Duration, pct float64) string {
	if pct <= 0 {
		return "unknown"
	}
	if pct >= 100 {
		return "0s"
	}
	total := time.Duration(float64(elapsed) / pct * 100)
	return (total - elapsed).Round(time.Second).String()
}
