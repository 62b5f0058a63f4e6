// Package delivery implements the optional delivery uploader (C6):
// probing a downloaded file for metadata, building a thumbnail grid,
// and posting a multipart payload to a messaging bot HTTP API. The
// external-probe-via-subprocess shape (exec.CommandContext plus regex
// parsing of stdout) is adapted from the donor pack's video-processing
// glue; see other_examples' vod backend for the analogous ffprobe/
// yt-dlp invocation pattern. No pack example imports a dedicated
// thumbnailing library, so the grid composition uses the standard
// image/image/draw/image/jpeg packages (see DESIGN.md).
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
)

// metadata is the result of probing a media file.
type metadata struct {
	Width           int
	Height          int
	DurationSeconds float64
	SizeBytes       int64
}

// attemptRecorder persists upload attempts and outcomes.
type attemptRecorder interface {
	TouchUploadAttempt(ctx context.Context, url string) error
	MarkUploaded(ctx context.Context, url, messageID string) error
}

var messageIDPattern = regexp.MustCompile(`"message_id"\s*:\s*(\d+)`)

const thumbGridCols, thumbGridRows = 5, 2
const thumbFrameWidth = 160
const frameCount = thumbGridCols * thumbGridRows

var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)", "`", "\\`",
)

// Uploader posts downloaded media to a delivery endpoint.
type Uploader struct {
	downloadDir string
	baseURL     string
	token       string
	chatID      string
	probeBin    string
	frameBin    string
	client      *http.Client
	store       attemptRecorder
	logger      *slog.Logger
}

// New builds an Uploader. probeBin and frameBin name the external
// media-probe and frame-extraction executables (out of scope to
// specify further; ffprobe/ffmpeg-compatible CLIs are assumed).
func New(downloadDir, baseURL, token, chatID string, store attemptRecorder, logger *slog.Logger) *Uploader {
	return &Uploader{
		downloadDir: downloadDir,
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		chatID:      chatID,
		probeBin:    "ffprobe",
		frameBin:    "ffmpeg",
		client:      &http.Client{Timeout: 10 * time.Minute},
		store:       store,
		logger:      logger.With("component", "delivery_uploader"),
	}
}

// Upload resolves the on-disk path, probes metadata, builds a
// thumbnail, and posts the file. Failures short of the final POST
// only record an attempt timestamp.
func (u *Uploader) Upload(ctx context.Context, post *model.Post) error {
	path := post.DownloadPath
	if path == "" || !fileExists(path) {
		found, err := u.findByPostID(post.PostID)
		if err != nil || found == "" {
			_ = u.store.TouchUploadAttempt(ctx, post.URL)
			return fmt.Errorf("upload %s: no local file for post_id %s", post.URL, post.PostID)
		}
		path = found
	}

	meta, err := u.probe(ctx, path)
	if err != nil {
		_ = u.store.TouchUploadAttempt(ctx, post.URL)
		return fmt.Errorf("upload %s: probe: %w", post.URL, err)
	}

	thumbPath, err := u.buildThumbnail(ctx, path, meta.DurationSeconds)
	if err != nil {
		_ = u.store.TouchUploadAttempt(ctx, post.URL)
		return fmt.Errorf("upload %s: thumbnail: %w", post.URL, err)
	}
	defer os.Remove(thumbPath)

	mediaBytes, err := readWithBackoff(path, meta.SizeBytes)
	if err != nil {
		_ = u.store.TouchUploadAttempt(ctx, post.URL)
		return fmt.Errorf("upload %s: read: %w", post.URL, err)
	}

	thumbBytes, err := os.ReadFile(thumbPath)
	if err != nil {
		_ = u.store.TouchUploadAttempt(ctx, post.URL)
		return fmt.Errorf("upload %s: read thumbnail: %w", post.URL, err)
	}

	messageID, err := u.post(ctx, post, meta, mediaBytes, thumbBytes)
	if err != nil {
		_ = u.store.TouchUploadAttempt(ctx, post.URL)
		return fmt.Errorf("upload %s: %w", post.URL, err)
	}

	return u.store.MarkUploaded(ctx, post.URL, messageID)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (u *Uploader) findByPostID(postID string) (string, error) {
	entries, err := os.ReadDir(u.downloadDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), postID) {
			return filepath.Join(u.downloadDir, e.Name()), nil
		}
	}
	return "", nil
}

// probe shells out to an ffprobe-compatible tool and parses its
// key=value stdout.
func (u *Uploader) probe(ctx context.Context, path string) (*metadata, error) {
	cmd := exec.CommandContext(ctx, u.probeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration,size",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	values := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}

	width, err1 := strconv.Atoi(values["width"])
	height, err2 := strconv.Atoi(values["height"])
	duration, err3 := strconv.ParseFloat(values["duration"], 64)
	size, err4 := strconv.ParseInt(values["size"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, fmt.Errorf("probe %s: missing or unparseable value in %v", path, values)
	}

	return &metadata{Width: width, Height: height, DurationSeconds: duration, SizeBytes: size}, nil
}

// buildThumbnail extracts up to frameCount still frames at random
// timestamps bounded away from the first/last 5s of playback, scales
// each to thumbFrameWidth, and composes them into a grid.
func (u *Uploader) buildThumbnail(ctx context.Context, path string, durationSeconds float64) (string, error) {
	frameDir, err := os.MkdirTemp(os.TempDir(), "scraper-thumbs")
	if err != nil {
		return "", fmt.Errorf("mkdir frame dir: %w", err)
	}
	defer os.RemoveAll(frameDir)

	lo, hi := 5.0, durationSeconds-5.0
	if hi <= lo {
		lo, hi = 0, durationSeconds
	}

	var frames []image.Image
	for i := 0; i < frameCount; i++ {
		ts := lo + rand.Float64()*(hi-lo)
		framePath := filepath.Join(frameDir, fmt.Sprintf("frame_%02d.jpg", i))

		cmd := exec.CommandContext(ctx, u.frameBin,
			"-ss", fmt.Sprintf("%.3f", ts),
			"-i", path,
			"-frames:v", "1",
			"-vf", fmt.Sprintf("scale=%d:-1", thumbFrameWidth),
			"-y", framePath,
		)
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("extract frame %d: %w", i, err)
		}

		f, err := os.Open(framePath)
		if err != nil {
			return "", fmt.Errorf("open frame %d: %w", i, err)
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("decode frame %d: %w", i, err)
		}
		frames = append(frames, img)
	}

	if len(frames) == 0 {
		return "", fmt.Errorf("no frames extracted")
	}

	composite := composeGrid(frames, thumbGridCols, thumbGridRows)

	outPath := filepath.Join(os.TempDir(), fmt.Sprintf("scraper-thumbs-%d.jpg", time.Now().UnixNano()))
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create thumbnail: %w", err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, composite, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	return outPath, nil
}

func composeGrid(frames []image.Image, cols, rows int) image.Image {
	cellW, cellH := 0, 0
	for _, f := range frames {
		b := f.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}

	grid := image.NewRGBA(image.Rect(0, 0, cellW*cols, cellH*rows))
	for i, f := range frames {
		col := i % cols
		row := i / cols
		dstRect := image.Rect(col*cellW, row*cellH, (col+1)*cellW, (row+1)*cellH)
		draw.Draw(grid, dstRect, f, f.Bounds().Min, draw.Src)
	}
	return grid
}

// readWithBackoff reads the full file with a 5-attempt exponential
// backoff (starting at 1s, doubling) on IO error, verifying the read
// length matches the stat length.
func readWithBackoff(path string, expectedSize int64) ([]byte, error) {
	delay := time.Second
	var lastErr error

	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		if int64(len(data)) != expectedSize {
			lastErr = fmt.Errorf("short read: got %d bytes, expected %d", len(data), expectedSize)
			continue
		}
		return data, nil
	}

	return nil, fmt.Errorf("read %s after 5 attempts: %w", path, lastErr)
}

func (u *Uploader) post(ctx context.Context, post *model.Post, meta *metadata, media, thumb []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	_ = writer.WriteField("chat_id", u.chatID)
	_ = writer.WriteField("caption", caption(post, meta))
	_ = writer.WriteField("parse_mode", "Markdown")
	_ = writer.WriteField("duration", strconv.Itoa(int(meta.DurationSeconds)))
	_ = writer.WriteField("width", strconv.Itoa(meta.Width))
	_ = writer.WriteField("height", strconv.Itoa(meta.Height))
	_ = writer.WriteField("supports_streaming", "true")

	videoPart, err := writer.CreateFormFile("video", filepath.Base(post.DownloadPath))
	if err != nil {
		return "", err
	}
	if _, err := videoPart.Write(media); err != nil {
		return "", err
	}

	thumbPart, err := writer.CreateFormFile("thumb", "thumb.jpg")
	if err != nil {
		return "", err
	}
	if _, err := thumbPart.Write(thumb); err != nil {
		return "", err
	}

	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendVideo", u.baseURL, u.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode)
	}

	m := messageIDPattern.FindStringSubmatch(string(raw))
	if len(m) < 2 {
		var decoded map[string]any
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr == nil {
			if id, ok := decoded["message_id"].(float64); ok {
				return strconv.Itoa(int(id)), nil
			}
		}
		return "", nil
	}
	return m[1], nil
}

func caption(post *model.Post, meta *metadata) string {
	title := markdownEscaper.Replace(post.Title)
	return fmt.Sprintf("%s\n%dx%d • %ds • %s", title, meta.Width, meta.Height, int(meta.DurationSeconds), humanSize(meta.SizeBytes))
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
