// Package download implements the streaming download engine (C5):
// atomic temp-file-then-rename downloads with progress callbacks,
// pre-existing-file validation, and URL-refresh-on-expiry. The
// stream-to-temp-then-rename shape and content-type/size bookkeeping
// are adapted from the donor's internal/media/downloader.go.
package download

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/lakshaybot/pullcron/internal/errs"
	"github.com/lakshaybot/pullcron/internal/model"
)

const (
	bufferSize     = 8 * 1024
	refreshRetries = 2
	minValidSize   = 1024
)

// mediaResolver is the subset of *fetch.Fetcher the engine falls back to
// on URL expiry.
type mediaResolver interface {
	ResolveMediaURL(ctx context.Context, postURL, postID string) (string, error)
}

// mediaURLSetter persists a refreshed media URL.
type mediaURLSetter interface {
	UpdateMediaURL(ctx context.Context, url, newURL string) error
	MarkDownloaded(ctx context.Context, url, path string) error
}

var illegalFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// ProgressFunc is invoked on every chunk of a streaming download with
// the advertised total size (0 if unknown) and bytes read so far.
type ProgressFunc = func(bytesKnown, bytesRead int64)

// Engine streams media downloads to disk.
type Engine struct {
	dir      string
	client   *http.Client
	resolver mediaResolver
	store    mediaURLSetter
	logger   *slog.Logger
	userAgent string
}

// New builds an Engine rooted at dir.
func New(dir string, resolver mediaResolver, store mediaURLSetter, logger *slog.Logger) *Engine {
	return &Engine{
		dir:    dir,
		client: &http.Client{Transport: &http.Transport{DisableCompression: true}},
		resolver: resolver,
		store:    store,
		logger:   logger.With("component", "download_engine"),
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}
}

// DestinationPath computes the final on-disk path for a post, per the
// naming convention: <dir>/<safe_title>_<post_id><ext>.
func (e *Engine) DestinationPath(post *model.Post) string {
	return filepath.Join(e.dir, filenameFor(post))
}

func filenameFor(post *model.Post) string {
	ext := extensionFor(post.URL)
	return fmt.Sprintf("%s_%s%s", safeTitle(post.Title), post.PostID, ext)
}

func safeTitle(title string) string {
	if len(title) > 100 {
		title = title[:100]
	}
	return illegalFilenameChars.ReplaceAllString(title, "_")
}

func extensionFor(mediaURL string) string {
	ext := filepath.Ext(strings.SplitN(mediaURL, "?", 2)[0])
	if len(ext) >= 2 && len(ext) <= 5 && strings.HasPrefix(ext, ".") {
		return ext
	}
	return ".mp4"
}

// Download fetches post.MediaSourceURL to its destination path,
// validating or reusing a pre-existing file, refreshing the media URL
// on expiry, and marking the post downloaded in the store on success.
func (e *Engine) Download(ctx context.Context, post *model.Post, progress ProgressFunc) error {
	dest := e.DestinationPath(post)

	if valid, err := e.validateExisting(ctx, dest, post.MediaSourceURL); err != nil {
		e.logger.Warn("failed validating existing file, re-downloading", "path", dest, "error", err)
	} else if valid {
		return e.store.MarkDownloaded(ctx, post.URL, dest)
	}

	mediaURL := post.MediaSourceURL
	for attempt := 0; ; attempt++ {
		err := e.stream(ctx, mediaURL, dest, progress)
		if err == nil {
			return e.store.MarkDownloaded(ctx, post.URL, dest)
		}

		if !isExpired(err) {
			return fmt.Errorf("download %s: %w", post.URL, err)
		}

		if attempt >= refreshRetries {
			return fmt.Errorf("download %s: refresh failed after %d attempts", post.URL, attempt)
		}

		e.logger.Info("media url expired, refreshing", "post", post.URL, "attempt", attempt+1)
		newURL, rErr := e.resolver.ResolveMediaURL(ctx, post.URL, post.PostID)
		if rErr != nil || newURL == "" {
			return fmt.Errorf("download %s: refresh failed: %w", post.URL, rErr)
		}

		if err := e.store.UpdateMediaURL(ctx, post.URL, newURL); err != nil {
			return fmt.Errorf("download %s: persist refreshed url: %w", post.URL, err)
		}
		mediaURL = newURL
		post.MediaSourceURL = newURL

		if !sleepCtx(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

// validateExisting checks a pre-existing file at dest against the
// pre-existing-file policy. Returns (true, nil) if the file is valid
// and can be adopted without a download.
func (e *Engine) validateExisting(ctx context.Context, dest, mediaURL string) (bool, error) {
	info, err := os.Stat(dest)
	if err != nil {
		return false, nil
	}

	if info.Size() < minValidSize {
		_ = os.Remove(dest)
		return false, nil
	}

	contentLength, err := e.headContentLength(ctx, mediaURL)
	if err == nil && contentLength > 0 {
		diff := info.Size() - contentLength
		if diff < 0 {
			diff = -diff
		}
		if float64(diff) > float64(contentLength)*0.01 {
			_ = os.Remove(dest)
			return false, nil
		}
		return true, nil
	}

	f, err := os.Open(dest)
	if err != nil {
		return false, nil
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil {
		return false, nil
	}
	if _, err := f.Seek(-1, io.SeekEnd); err != nil {
		return false, nil
	}
	if _, err := f.Read(buf); err != nil {
		return false, nil
	}

	return true, nil
}

func (e *Engine) headContentLength(ctx context.Context, mediaURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return 0, err
	}
	e.setHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("head %s: status %d", mediaURL, resp.StatusCode)
	}

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, nil
	}
	return strconv.ParseInt(cl, 10, 64)
}

func isExpired(err error) bool {
	var de *errs.DownloadError
	return errors.As(err, &de) && de.Expired
}

// stream performs the temp-file-then-rename download.
func (e *Engine) stream(ctx context.Context, mediaURL, dest string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	e.setHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", mediaURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &errs.DownloadError{URL: mediaURL, StatusCode: resp.StatusCode, Expired: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("get %s: unexpected status %d", mediaURL, resp.StatusCode)
	}

	var advertised int64
	encoded := resp.Header.Get("Content-Encoding") != ""
	if cl := resp.Header.Get("Content-Length"); cl != "" && !encoded {
		advertised, _ = strconv.ParseInt(cl, 10, 64)
	}

	body, err := decompressBody(resp)
	if err != nil {
		return fmt.Errorf("decompress body: %w", err)
	}
	if closer, ok := body.(io.Closer); ok && body != io.Reader(resp.Body) {
		defer closer.Close()
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	var written int64
	buf := make([]byte, bufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, wErr := f.Write(buf[:n]); wErr != nil {
				f.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("write temp file: %w", wErr)
			}
			written += int64(n)
			if progress != nil {
				progress(advertised, written)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("read body: %w", readErr)
		}
	}
	f.Close()

	if advertised > 0 && written != advertised {
		os.Remove(tmpPath)
		return fmt.Errorf("size mismatch: advertised %d, wrote %d", advertised, written)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (e *Engine) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "video")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Connection", "keep-alive")
}

// decompressBody wraps resp.Body with the decompressor matching its
// Content-Encoding (gzip, deflate, br), since the transport has
// automatic decompression disabled so content-length bookkeeping stays
// accurate for brotli bodies too.
func decompressBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
