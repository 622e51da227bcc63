package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const goodLine = `{"source_kind":"gov-direct","source_id":"mss","raw_url":"https://example.gov/notice?id=1"}`

func writeInbox(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func newTestWatcher(t *testing.T, spec string) (*Watcher, string, string) {
	t.Helper()
	inbox := t.TempDir()
	done := filepath.Join(inbox, "done")
	runner := NewRunner(newRecordingResolver(0), Options{Workers: 2}, zerolog.Nop())
	w, err := NewWatcher(runner, inbox, done, spec, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected watcher error: %v", err)
	}
	return w, inbox, done
}

func TestWatcher_ScanMovesProcessedFiles(t *testing.T) {
	t.Parallel()

	w, inbox, done := newTestWatcher(t, "@every 1h")
	writeInbox(t, inbox, "b.jsonl", goodLine+"\n"+goodLine+"\n")
	writeInbox(t, inbox, "a.jsonl", goodLine+"\n{broken\n")
	writeInbox(t, inbox, "notes.txt", "ignored")
	writeInbox(t, inbox, ".hidden.jsonl", goodLine)

	results, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two inbox files, got %d", len(results))
	}
	if filepath.Base(results[0].Path) != "a.jsonl" {
		t.Fatalf("expected files in name order, got %s first", results[0].Path)
	}
	if results[0].Rejected != 1 || results[0].Batch.Total != 1 {
		t.Fatalf("unexpected first file result: %+v", results[0])
	}
	if results[1].Batch.Total != 2 {
		t.Fatalf("unexpected second file result: %+v", results[1])
	}

	for _, name := range []string{"a.jsonl", "b.jsonl"} {
		if _, err := os.Stat(filepath.Join(done, name)); err != nil {
			t.Fatalf("expected %s in done directory: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(inbox, name)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to leave the inbox", name)
		}
	}
	if _, err := os.Stat(filepath.Join(inbox, "notes.txt")); err != nil {
		t.Fatalf("non-jsonl file must stay: %v", err)
	}
}

func TestWatcher_ScanKeepsEarlierDoneFile(t *testing.T) {
	t.Parallel()

	w, inbox, done := newTestWatcher(t, "@every 1h")
	if err := os.MkdirAll(done, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeInbox(t, done, "batch.jsonl", "earlier")
	writeInbox(t, inbox, "batch.jsonl", goodLine)

	results, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if results[0].MovedTo == filepath.Join(done, "batch.jsonl") {
		t.Fatalf("expected a distinct destination, got %s", results[0].MovedTo)
	}
	earlier, err := os.ReadFile(filepath.Join(done, "batch.jsonl"))
	if err != nil || string(earlier) != "earlier" {
		t.Fatalf("earlier done file was overwritten: %q, %v", earlier, err)
	}
}

func TestWatcher_InterruptedFileResumesWithoutRepeats(t *testing.T) {
	t.Parallel()

	inbox := t.TempDir()
	done := filepath.Join(inbox, "done")
	rec := newRecordingResolver(0)
	runner := NewRunner(rec, Options{Workers: 1}, zerolog.Nop())
	w, err := NewWatcher(runner, inbox, done, "@every 1h", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected watcher error: %v", err)
	}

	var content strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&content, `{"source_kind":"gov-direct","source_id":"mss","raw_url":"https://example.gov/notice?id=%d"}`+"\n", i)
	}
	content.WriteString("{broken\n")
	writeInbox(t, inbox, "batch.jsonl", content.String())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	rec.onResolve = func() {
		calls++
		if calls == 2 {
			cancel()
		}
	}

	results, err := w.Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted scan, got %v", err)
	}
	if len(results) != 1 || results[0].Batch.Resolved != 2 || results[0].Batch.Skipped != 3 {
		t.Fatalf("unexpected interrupted result: %+v", results)
	}
	remainder := filepath.Join(inbox, "batch.remaining.jsonl")
	if results[0].Remainder != remainder {
		t.Fatalf("unexpected remainder path: %q", results[0].Remainder)
	}
	if _, err := os.Stat(filepath.Join(inbox, "batch.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("interrupted file must leave the inbox")
	}
	if _, err := os.Stat(filepath.Join(done, "batch.jsonl")); err != nil {
		t.Fatalf("interrupted file must be kept in the done directory: %v", err)
	}
	pending, err := os.ReadFile(remainder)
	if err != nil {
		t.Fatalf("read remainder: %v", err)
	}
	if got := strings.Count(string(pending), "\n"); got != 3 {
		t.Fatalf("expected three unresolved lines, got %d in %q", got, pending)
	}

	rec.mu.Lock()
	rec.onResolve = nil
	rec.mu.Unlock()

	results, err = w.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected resumed scan error: %v", err)
	}
	if len(results) != 1 || results[0].Batch.Total != 3 || results[0].Rejected != 0 {
		t.Fatalf("unexpected resumed result: %+v", results)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := map[string]int{}
	for _, url := range rec.order["gov-direct/mss"] {
		seen[url]++
	}
	if len(seen) != 5 {
		t.Fatalf("expected every line resolved, got %v", seen)
	}
	for url, n := range seen {
		if n != 1 {
			t.Fatalf("%s resolved %d times", url, n)
		}
	}
	if _, err := os.Stat(remainder); !os.IsNotExist(err) {
		t.Fatalf("remainder must leave the inbox once resolved")
	}
}

func TestRemainderPath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"in/a.jsonl":           "in/a.remaining.jsonl",
		"in/a.remaining.jsonl": "in/a.remaining.jsonl",
		"in/b.JSONL":           "in/b.remaining.jsonl",
	}
	for in, want := range cases {
		if got := remainderPath(in); got != want {
			t.Fatalf("remainderPath(%q): got %q want %q", in, got, want)
		}
	}
}

func TestWatcher_ScanInProgress(t *testing.T) {
	t.Parallel()

	w, _, _ := newTestWatcher(t, "@every 1h")
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	if _, err := w.Scan(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
}

func TestWatcher_StartRunsImmediately(t *testing.T) {
	t.Parallel()

	w, inbox, done := newTestWatcher(t, "@every 1h")
	writeInbox(t, inbox, "now.jsonl", goodLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(done, "now.jsonl")); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the startup scan to process the inbox")
}

func TestWatcher_StartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	w, _, _ := newTestWatcher(t, "every now and then")
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected cron spec error")
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	t.Parallel()

	runner := NewRunner(newRecordingResolver(0), Options{}, zerolog.Nop())
	if _, err := NewWatcher(nil, "in", "out", "@every 1m", zerolog.Nop()); err == nil {
		t.Fatalf("expected runner error")
	}
	if _, err := NewWatcher(runner, "in", " ", "@every 1m", zerolog.Nop()); err == nil {
		t.Fatalf("expected directory error")
	}
	if _, err := NewWatcher(runner, "in/", "in", "@every 1m", zerolog.Nop()); err == nil {
		t.Fatalf("expected same directory error")
	}
}
