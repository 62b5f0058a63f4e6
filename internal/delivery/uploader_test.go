package delivery

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/lakshaybot/pullcron/internal/model"
)

func TestCaptionEscapesMarkdownControlCharacters(t *testing.T) {
	post := &model.Post{Title: "A [cool] *video* (take_2) `ticks`"}
	meta := &metadata{Width: 1920, Height: 1080, DurationSeconds: 61, SizeBytes: 2048}

	got := caption(post, meta)
	for _, ch := range []string{"_", "*", "[", "]", "(", ")", "`"} {
		if containsUnescaped(got, ch) {
			t.Fatalf("caption %q still contains unescaped %q", got, ch)
		}
	}
	if !strings.Contains(got, "1920x1080") {
		t.Fatalf("expected caption to contain resolution, got %q", got)
	}
}

func TestHumanSizeFormatsBytes(t *testing.T) {
	cases := map[int64]string{
		500:            "500 B",
		2048:           "2.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for n, want := range cases {
		if got := humanSize(n); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestMessageIDPatternParsesFlatJSON(t *testing.T) {
	body := `{"ok":true,"result":{"message_id":4821,"chat":{"id":1}}}`
	m := messageIDPattern.FindStringSubmatch(body)
	if len(m) < 2 || m[1] != "4821" {
		t.Fatalf("expected to parse message_id 4821, got %+v", m)
	}
}

type fakeAttemptRecorder struct {
	touchCalls  int
	uploadedID  string
	uploadedURL string
}

func (f *fakeAttemptRecorder) TouchUploadAttempt(ctx context.Context, url string) error {
	f.touchCalls++
	return nil
}

func (f *fakeAttemptRecorder) MarkUploaded(ctx context.Context, url, messageID string) error {
	f.uploadedURL = url
	f.uploadedID = messageID
	return nil
}

// TestUploadRecordsAttemptWhenLocalFileMissing exercises the failure
// path where neither the stored download path nor a post_id-matching
// file can be found: only the attempt timestamp is recorded, per the
// probe/thumbnail-failure policy in §4.11.
func TestUploadRecordsAttemptWhenLocalFileMissing(t *testing.T) {
	dir := t.TempDir()
	store := &fakeAttemptRecorder{}
	u := New(dir, "https://api.example/deliver", "tok", "chat1", store, slog.Default())

	post := &model.Post{URL: "https://example/post/X1", PostID: "X1", DownloadPath: ""}

	err := u.Upload(context.Background(), post)
	if err == nil {
		t.Fatal("expected an error when no local file can be resolved")
	}
	if store.touchCalls != 1 {
		t.Fatalf("expected exactly 1 touch-upload-attempt call, got %d", store.touchCalls)
	}
	if store.uploadedID != "" {
		t.Fatal("expected MarkUploaded not to be called on failure")
	}
}

func containsUnescaped(s, ch string) bool {
	for i := 0; i < len(s); i++ {
		if string(s[i]) == ch {
			if i == 0 || s[i-1] != '\\' {
				return true
			}
		}
	}
	return false
}

