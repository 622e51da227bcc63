package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/globaltime"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	since := fs.String("since", "24h", "Window for recent counts: RFC3339, YYYY-MM-DD or a duration")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	sinceTime, err := parseSince(*since, globaltime.UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid since: %v\n", err)
		return 2
	}

	ctx, cancel, _, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	stats, err := pool.QueryResolutionStats(ctx, sinceTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query resolution stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	announcementRows := [][]string{
		{"total", fmt.Sprintf("%d", stats.Announcements.Total)},
		{"keyed", fmt.Sprintf("%d", stats.Announcements.Keyed)},
		{"unidentifiable", fmt.Sprintf("%d", stats.Announcements.Unidentifiable)},
	}
	if err := writeTable([]string{"announcements", "count"}, announcementRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render announcements table: %v\n", err)
		return 1
	}

	fmt.Println()
	outcomeRows := make([][]string, 0, len(stats.Outcomes))
	for _, row := range stats.Outcomes {
		outcomeRows = append(outcomeRows, []string{row.Outcome, fmt.Sprintf("%d", row.Total), fmt.Sprintf("%d", row.Recent)})
	}
	if err := writeTable([]string{"outcome", "total", "since " + stats.Since.Format(time.RFC3339)}, outcomeRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render outcome table: %v\n", err)
		return 1
	}

	if len(stats.Unidentifiable) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(stats.Unidentifiable))
		for _, row := range stats.Unidentifiable {
			rows = append(rows, []string{row.Domain, row.Reason, fmt.Sprintf("%d", row.Count)})
		}
		if err := writeTable([]string{"unidentifiable_domain", "reason", "count"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render unidentifiable table: %v\n", err)
			return 1
		}
	}

	if len(stats.ErrorSources) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(stats.ErrorSources))
		for _, row := range stats.ErrorSources {
			rows = append(rows, []string{row.SourceKind, row.SourceID, fmt.Sprintf("%d", row.Count)})
		}
		if err := writeTable([]string{"error_source_kind", "source_id", "recent_errors"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render error table: %v\n", err)
			return 1
		}
	}

	return 0
}
