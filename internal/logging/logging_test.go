package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDailyFileCreatesDatedLogUnderDir(t *testing.T) {
	dir := t.TempDir()
	df := newDailyFile(filepath.Join(dir, "logs"))

	if _, err := df.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 log file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".log" {
		t.Fatalf("expected .log extension, got %q", entries[0].Name())
	}
}

func TestDailyFileAppendsWithinSameDay(t *testing.T) {
	dir := t.TempDir()
	df := newDailyFile(dir)

	df.Write([]byte("first\n"))
	df.Write([]byte("second\n"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected writes on the same day to share one file, got %d files", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("expected both writes appended in order, got %q", data)
	}
}

func TestNewBuildsLeveledLogger(t *testing.T) {
	logger := New(t.TempDir(), "debug", "json")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug level enabled")
	}
}
