package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/ingest"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	inbox := fs.String("inbox", "", "Inbox directory (default INBOX_DIR)")
	done := fs.String("done", "", "Directory for processed files (default DONE_DIR)")
	spec := fs.String("cron", "", "Cron spec for inbox scans (default INGEST_CRON)")
	once := fs.Bool("once", false, "Scan the inbox once and exit")
	drainTimeout := fs.Duration("drain-timeout", 2*time.Minute, "How long to wait for a running scan on shutdown")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newStack(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	rt.cfg.InboxDir = firstNonEmpty(*inbox, rt.cfg.InboxDir)
	rt.cfg.DoneDir = firstNonEmpty(*done, rt.cfg.DoneDir)
	rt.cfg.IngestCron = firstNonEmpty(*spec, rt.cfg.IngestCron)

	watcher, err := newInboxWatcher(rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create watcher: %v\n", err)
		return 1
	}

	if *once {
		results, err := watcher.Scan(ctx)
		for _, res := range results {
			fmt.Printf("%s -> %s rejected=%d %s\n", res.Path, res.MovedTo, res.Rejected, res.Batch)
			if res.Remainder != "" {
				fmt.Printf("  unresolved lines kept in %s\n", res.Remainder)
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
			return 1
		}
		return 0
	}

	rt.listen(ctx)
	if err := watcher.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start watcher: %v\n", err)
		return 1
	}

	<-ctx.Done()
	stopped := watcher.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(*drainTimeout):
		rt.logger.Warn().Dur("drain_timeout", *drainTimeout).Msg("watcher did not drain before timeout")
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func newInboxWatcher(rt *stack) (*ingest.Watcher, error) {
	runner := ingest.NewRunner(rt.resolver, ingest.OptionsFromConfig(rt.cfg), rt.logger)
	return ingest.NewWatcher(runner, rt.cfg.InboxDir, rt.cfg.DoneDir, rt.cfg.IngestCron, rt.logger)
}
