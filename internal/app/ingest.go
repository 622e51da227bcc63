package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/ingest"
	"horse.fit/announcements/internal/resolver"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "", "JSONL file of candidates, or - for stdin")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	failOnRejected := fs.Bool("strict", false, "Exit non-zero when any line fails validation")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	var lines []ingest.Line
	if path == "-" {
		lines, err = ingest.ReadJSONL(os.Stdin)
	} else {
		lines, err = ingest.ReadFile(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read candidates: %v\n", err)
		return 1
	}
	candidates, rejected := ingest.Split(lines)
	for _, line := range rejected {
		fmt.Fprintf(os.Stderr, "REJECTED line %d: %v\n", line.Number, line.Err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newStack(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.Close()

	runner := ingest.NewRunner(rt.resolver, ingest.OptionsFromConfig(rt.cfg), rt.logger)
	batch, err := runner.Run(ctx, candidates)
	if err != nil {
		rt.logger.Error().Err(err).Str("file", path).Msg("ingest interrupted")
		fmt.Fprintf(os.Stderr, "Ingest interrupted: %v\n", err)
	}

	if outputFormat == outputFormatJSON {
		if encErr := printJSON(map[string]any{"batch": batch, "rejected": len(rejected)}); encErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encErr)
			return 1
		}
	} else {
		rows := make([][]string, 0, len(resolver.Outcomes()))
		for _, outcome := range resolver.Outcomes() {
			rows = append(rows, []string{string(outcome), fmt.Sprintf("%d", batch.Count(outcome))})
		}
		rows = append(rows, []string{"rejected_lines", fmt.Sprintf("%d", len(rejected))})
		rows = append(rows, []string{"skipped", fmt.Sprintf("%d", batch.Skipped)})
		if tableErr := writeTable([]string{"outcome", "count"}, rows); tableErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", tableErr)
			return 1
		}
		fmt.Printf("batch_uuid=%s total=%d\n", batch.BatchUUID, batch.Total)
	}

	switch {
	case err != nil:
		return 1
	case *failOnRejected && len(rejected) > 0:
		return 1
	}
	return 0
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
