package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/globaltime"
)

const (
	inboxExt     = ".jsonl"
	remainderTag = ".remaining"
)

// ErrScanInProgress is returned when a scan is requested while one is running.
var ErrScanInProgress = errors.New("inbox scan already in progress")

// FileResult summarizes one processed inbox file.
type FileResult struct {
	Path      string      `json:"path"`
	MovedTo   string      `json:"moved_to,omitempty"`
	Remainder string      `json:"remainder,omitempty"`
	Rejected  int         `json:"rejected"`
	Batch     BatchResult `json:"batch"`
}

// Watcher periodically resolves every JSONL file dropped in an inbox
// directory and moves processed files aside.
type Watcher struct {
	runner *Runner
	inbox  string
	done   string
	spec   string
	logger zerolog.Logger
	cron   *cron.Cron

	scanMu sync.Mutex
}

func NewWatcher(runner *Runner, inbox, done, spec string, logger zerolog.Logger) (*Watcher, error) {
	if runner == nil {
		return nil, fmt.Errorf("watcher runner is required")
	}
	inbox = strings.TrimSpace(inbox)
	done = strings.TrimSpace(done)
	if inbox == "" || done == "" {
		return nil, fmt.Errorf("watcher inbox and done directories are required")
	}
	if filepath.Clean(inbox) == filepath.Clean(done) {
		return nil, fmt.Errorf("done directory must differ from inbox")
	}

	cronLog := cronLogger{logger: logger.With().Str("component", "watcher").Logger()}
	return &Watcher{
		runner: runner,
		inbox:  inbox,
		done:   done,
		spec:   strings.TrimSpace(spec),
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}, nil
}

// Start schedules the scan and runs one immediately without waiting for the
// first tick.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.spec, func() { w.scanLogged(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %q: %w", w.spec, err)
	}

	w.cron.Start()
	w.logger.Info().Str("spec", w.spec).Str("inbox", w.inbox).Msg("inbox watcher started")

	go w.scanLogged(ctx)
	return nil
}

// Stop halts scheduling and returns a context done once running scans finish.
func (w *Watcher) Stop() context.Context {
	stopped := w.cron.Stop()
	w.logger.Info().Msg("inbox watcher stopped")
	return stopped
}

func (w *Watcher) scanLogged(ctx context.Context) {
	results, err := w.Scan(ctx)
	if errors.Is(err, ErrScanInProgress) {
		w.logger.Debug().Msg("inbox scan skipped; previous scan still running")
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Int("files", len(results)).Msg("inbox scan failed")
		return
	}
	if len(results) > 0 {
		w.logger.Info().Int("files", len(results)).Msg("inbox scan complete")
	}
}

// Scan processes every inbox file once, oldest name first. A processed file
// is moved to the done directory. When its batch is interrupted, the lines
// left unresolved are written back to the inbox as a remainder file so the
// next scan resumes without resolving any line twice. A file that cannot be
// read stays in the inbox.
func (w *Watcher) Scan(ctx context.Context) ([]FileResult, error) {
	if !w.scanMu.TryLock() {
		return nil, ErrScanInProgress
	}
	defer w.scanMu.Unlock()

	files, err := inboxFiles(w.inbox)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		if err := os.MkdirAll(w.done, 0o755); err != nil {
			return nil, fmt.Errorf("create done directory %s: %w", w.done, err)
		}
	}

	results := make([]FileResult, 0, len(files))
	var errs []error
	for _, path := range files {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		res, err := w.processFile(ctx, path)
		if err != nil {
			errs = append(errs, err)
			w.logger.Error().Err(err).Str("file", path).Msg("inbox file failed")
			if res.Path != "" {
				results = append(results, res)
			}
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (w *Watcher) processFile(ctx context.Context, path string) (FileResult, error) {
	lines, err := ReadFile(path)
	if err != nil {
		return FileResult{}, err
	}

	candidates, rejected := Split(lines)
	for _, line := range rejected {
		w.logger.Warn().Err(line.Err).Str("file", path).Int("line", line.Number).Msg("candidate rejected")
	}

	batch, runErr := w.runner.Run(ctx, candidates)
	if runErr != nil && batch.Skipped == 0 {
		return FileResult{}, fmt.Errorf("%s: %w", path, runErr)
	}

	var pending [][]byte
	if runErr != nil {
		pending = unresolvedLines(lines, batch)
	}
	dest, remainder, err := w.settle(path, pending)
	if err != nil {
		return FileResult{}, err
	}
	res := FileResult{Path: path, MovedTo: dest, Remainder: remainder, Rejected: len(rejected), Batch: batch}

	if runErr != nil {
		w.logger.Warn().
			Str("file", path).
			Str("moved_to", dest).
			Str("remainder", remainder).
			Int("unresolved", len(pending)).
			Str("batch_uuid", batch.BatchUUID).
			Msg("inbox file interrupted")
		return res, fmt.Errorf("%s: %w", path, runErr)
	}

	w.logger.Info().
		Str("file", path).
		Str("moved_to", dest).
		Int("rejected", len(rejected)).
		Str("batch_uuid", batch.BatchUUID).
		Msg("inbox file resolved")
	return res, nil
}

// unresolvedLines returns the raw candidate lines the batch never reached.
// Results align with the candidates Split produced from lines.
func unresolvedLines(lines []Line, batch BatchResult) [][]byte {
	var out [][]byte
	i := 0
	for _, line := range lines {
		if line.Candidate == nil {
			continue
		}
		if i < len(batch.Results) && batch.Results[i].Outcome == "" {
			out = append(out, line.Raw)
		}
		i++
	}
	return out
}

// settle moves path to the done directory. Pending lines are staged in a
// hidden file first and renamed into the inbox once the original is gone.
func (w *Watcher) settle(path string, pending [][]byte) (string, string, error) {
	if len(pending) == 0 {
		dest, err := moveAside(path, w.done)
		return dest, "", err
	}

	remainder := remainderPath(path)
	staged := filepath.Join(filepath.Dir(path), "."+filepath.Base(remainder)+".tmp")
	if err := os.WriteFile(staged, append(bytes.Join(pending, []byte("\n")), '\n'), 0o644); err != nil {
		return "", "", fmt.Errorf("stage remainder of %s: %w", path, err)
	}

	dest, err := moveAside(path, w.done)
	if err != nil {
		_ = os.Remove(staged)
		return "", "", err
	}
	if err := os.Rename(staged, remainder); err != nil {
		return dest, "", fmt.Errorf("publish remainder %s: %w", remainder, err)
	}
	return dest, remainder, nil
}

// remainderPath names the inbox file holding the unresolved tail of path.
// Repeated interruptions reuse the same name.
func remainderPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(strings.TrimSuffix(path, ext), remainderTag)
	return base + remainderTag + inboxExt
}

func inboxFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), inboxExt) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// moveAside renames path into dir, suffixing a timestamp when the name is
// already taken.
func moveAside(path, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = strings.TrimSuffix(dest, ext) + "." + globaltime.UTC().Format("20060102T150405.000000000") + ext
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", path, dest, err)
	}
	return dest, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
