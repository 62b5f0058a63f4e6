// Package pipeline implements the orchestrator (C7): two bounded FIFO
// queues, two worker pools bounded by counting semaphores, concurrent
// progress maps, and a dashboard worker. The worker-pool-plus-counting-
// semaphore-plus-idle-poll shape is adapted from the donor's
// internal/engine/scheduler.go, generalized from a single request
// queue to the download/upload two-stage pipeline this system needs.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
)

// Downloader is the subset of *download.Engine the orchestrator drives.
type Downloader interface {
	Download(ctx context.Context, post *model.Post, progress func(known, read int64)) error
}

// Uploader is the subset of *delivery.Uploader the orchestrator drives.
type Uploader interface {
	Upload(ctx context.Context, post *model.Post) error
}

const (
	idlePollInterval = 500 * time.Millisecond
	shutdownGrace    = 10 * time.Second
)

// Orchestrator owns the download and upload queues, their worker
// pools, and per-item progress tracking.
type Orchestrator struct {
	downloader Downloader
	uploader   Uploader
	hasUpload  bool
	logger     *slog.Logger

	downloadWorkers int
	uploadWorkers   int

	downloadQueue chan *model.Post
	uploadQueue   chan *model.Post

	downloadSem chan struct{}
	uploadSem   chan struct{}

	progressMu        sync.Mutex
	downloadProgress  map[string]*model.Progress
	uploadProgress    map[string]*model.Progress
	completedDownload []string
	completedUpload   []string

	statusMu sync.Mutex
	status   string

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context

	dashboard func(Snapshot)
}

// New builds an Orchestrator. uploader may be nil, in which case
// uploadWorkers is forced to 0 and nothing is ever enqueued for upload.
func New(downloadWorkers, uploadWorkers int, downloader Downloader, uploader Uploader, logger *slog.Logger) *Orchestrator {
	hasUpload := uploader != nil
	if !hasUpload {
		uploadWorkers = 0
	}

	return &Orchestrator{
		downloader:       downloader,
		uploader:         uploader,
		hasUpload:        hasUpload,
		logger:           logger.With("component", "pipeline_orchestrator"),
		downloadWorkers:  downloadWorkers,
		uploadWorkers:    uploadWorkers,
		downloadQueue:    make(chan *model.Post, 4096),
		uploadQueue:      make(chan *model.Post, 4096),
		downloadSem:      make(chan struct{}, downloadWorkers),
		uploadSem:        make(chan struct{}, max(uploadWorkers, 1)),
		downloadProgress: make(map[string]*model.Progress),
		uploadProgress:   make(map[string]*model.Progress),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// OnSnapshot registers a callback invoked by the dashboard worker on
// every render tick.
func (o *Orchestrator) OnSnapshot(fn func(Snapshot)) {
	o.dashboard = fn
}

// Start spawns D + U + 1 long-lived workers.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	for i := 0; i < o.downloadWorkers; i++ {
		o.wg.Add(1)
		go o.downloadWorker(i)
	}
	for i := 0; i < o.uploadWorkers; i++ {
		o.wg.Add(1)
		go o.uploadWorker(i)
	}

	o.wg.Add(1)
	go o.dashboardWorker()
}

// Enqueue appends items to the download queue without blocking.
func (o *Orchestrator) Enqueue(items []*model.Post) {
	for _, item := range items {
		select {
		case o.downloadQueue <- item:
		default:
			o.logger.Warn("download queue full, dropping item", "url", item.URL)
		}
	}
}

// EnqueueUploads appends items directly to the upload queue without
// blocking, bypassing the download stage. Used at startup to resume
// posts that were downloaded but never uploaded before a prior
// shutdown or crash, per the store's get_downloaded_not_uploaded_posts
// contract. A no-op when no uploader is configured.
func (o *Orchestrator) EnqueueUploads(items []*model.Post) {
	if !o.hasUpload {
		return
	}
	for _, item := range items {
		select {
		case o.uploadQueue <- item:
		default:
			o.logger.Warn("upload queue full, dropping resumed item", "url", item.URL)
		}
	}
}

// ProcessBlocking enqueues items and waits until both queues are empty
// and no worker is mid-item.
func (o *Orchestrator) ProcessBlocking(items []*model.Post) {
	o.Enqueue(items)
	for {
		o.progressMu.Lock()
		idle := len(o.downloadQueue) == 0 && len(o.uploadQueue) == 0 &&
			len(o.downloadProgress) == 0 && len(o.uploadProgress) == 0
		o.progressMu.Unlock()
		if idle {
			return
		}
		time.Sleep(idlePollInterval)
	}
}

// UpdateStatus sets the single-line status shown by the dashboard.
// Last writer wins.
func (o *Orchestrator) UpdateStatus(text string) {
	o.statusMu.Lock()
	o.status = text
	o.statusMu.Unlock()
}

// Stop cancels the shared token and joins all workers within a bounded
// grace period.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		o.logger.Warn("shutdown grace period exceeded, returning without full join")
	}
}

func (o *Orchestrator) downloadWorker(id int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case post := <-o.downloadQueue:
			o.downloadSem <- struct{}{}
			o.runDownload(id, post)
			<-o.downloadSem
		case <-time.After(idlePollInterval):
		}
	}
}

func (o *Orchestrator) runDownload(workerID int, post *model.Post) {
	now := time.Now()
	progress := &model.Progress{Stage: model.StageDownload, WorkerID: workerID, URL: post.URL, StartedAt: now, Status: "downloading"}

	o.progressMu.Lock()
	o.downloadProgress[post.URL] = progress
	o.progressMu.Unlock()

	err := o.downloader.Download(o.ctx, post, func(known, read int64) {
		o.progressMu.Lock()
		progress.BytesKnown = known
		progress.BytesRead = read
		o.progressMu.Unlock()
	})

	o.progressMu.Lock()
	delete(o.downloadProgress, post.URL)
	if err == nil {
		o.completedDownload = append(o.completedDownload, post.URL)
	}
	o.progressMu.Unlock()

	if err != nil {
		o.logger.Error("download failed", "url", post.URL, "error", err)
		return
	}

	if o.hasUpload {
		select {
		case o.uploadQueue <- post:
		default:
			o.logger.Warn("upload queue full, dropping item", "url", post.URL)
		}
	}
}

func (o *Orchestrator) uploadWorker(id int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case post := <-o.uploadQueue:
			o.uploadSem <- struct{}{}
			o.runUpload(id, post)
			<-o.uploadSem
		case <-time.After(idlePollInterval):
		}
	}
}

func (o *Orchestrator) runUpload(workerID int, post *model.Post) {
	now := time.Now()
	progress := &model.Progress{Stage: model.StageUpload, WorkerID: workerID, URL: post.URL, StartedAt: now, Status: "uploading"}

	o.progressMu.Lock()
	o.uploadProgress[post.URL] = progress
	o.progressMu.Unlock()

	err := o.uploader.Upload(o.ctx, post)

	o.progressMu.Lock()
	delete(o.uploadProgress, post.URL)
	if err == nil {
		o.completedUpload = append(o.completedUpload, post.URL)
	}
	o.progressMu.Unlock()

	if err != nil {
		o.logger.Error("upload failed", "url", post.URL, "error", err)
	}
}

func (o *Orchestrator) dashboardWorker() {
	defer o.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if o.dashboard != nil {
				o.dashboard(o.Snapshot())
			}
		}
	}
}

// Snapshot is a point-in-time view of pipeline state for the dashboard.
type Snapshot struct {
	Status             string
	ActiveDownloads    []*model.Progress
	ActiveUploads      []*model.Progress
	QueuedDownloads    int
	QueuedUploads      int
	CompletedDownloads int
	CompletedUploads   int
	DownloadWorkers    int
	UploadWorkers      int
}

// Snapshot returns the current pipeline state. Active items are ordered
// by worker id.
func (o *Orchestrator) Snapshot() Snapshot {
	o.statusMu.Lock()
	status := o.status
	o.statusMu.Unlock()

	o.progressMu.Lock()
	defer o.progressMu.Unlock()

	snap := Snapshot{
		Status:             status,
		QueuedDownloads:    len(o.downloadQueue),
		QueuedUploads:      len(o.uploadQueue),
		CompletedDownloads: len(o.completedDownload),
		CompletedUploads:   len(o.completedUpload),
		DownloadWorkers:    o.downloadWorkers,
		UploadWorkers:      o.uploadWorkers,
	}

	for _, p := range o.downloadProgress {
		snap.ActiveDownloads = append(snap.ActiveDownloads, p)
	}
	for _, p := range o.uploadProgress {
		snap.ActiveUploads = append(snap.ActiveUploads, p)
	}

	sort.Slice(snap.ActiveDownloads, func(i, j int) bool {
		return snap.ActiveDownloads[i].WorkerID < snap.ActiveDownloads[j].WorkerID
	})
	sort.Slice(snap.ActiveUploads, func(i, j int) bool {
		return snap.ActiveUploads[i].WorkerID < snap.ActiveUploads[j].WorkerID
	})

	return snap
}
