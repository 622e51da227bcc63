package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/db"
	"horse.fit/announcements/internal/resolver"
)

func runResolutions(args []string) int {
	fs := flag.NewFlagSet("resolutions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	outcome := fs.String("outcome", "", "Filter by outcome")
	sourceKind := fs.String("source-kind", "", "Filter by candidate source kind")
	sourceID := fs.String("source-id", "", "Filter by candidate source id")
	batch := fs.String("batch", "", "Filter by batch UUID")
	limit := fs.Int("limit", 50, "Maximum entries to show")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 1 || *limit > 1000 {
		fmt.Fprintln(os.Stderr, "--limit must be between 1 and 1000")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	filter := db.ResolutionFilter{
		SourceKind: strings.TrimSpace(strings.ToLower(*sourceKind)),
		SourceID:   strings.TrimSpace(*sourceID),
		BatchUUID:  strings.TrimSpace(*batch),
		Limit:      *limit,
	}
	if strings.TrimSpace(*outcome) != "" {
		parsed, err := resolver.ParseOutcome(*outcome)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid outcome: %v\n", err)
			return 2
		}
		filter.Outcome = string(parsed)
	}

	ctx, cancel, _, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	records, total, err := pool.ListResolutions(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list resolutions: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{"items": records, "total": total}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		identityText := pointerStringOrEmpty(rec.CanonicalKey)
		if identityText == "" {
			identityText = "(" + pointerStringOrEmpty(rec.UnkeyedReason) + ")"
		}
		previous := ""
		if rec.PreviousSourceKind != nil {
			previous = pointerStringOrEmpty(rec.PreviousSourceKind) + "/" + pointerStringOrEmpty(rec.PreviousSourceID)
		}
		rows = append(rows, []string{
			formatUTCTimestamp(rec.CreatedAt),
			rec.Outcome,
			rec.SourceKind + "/" + rec.SourceID,
			truncateForTable(identityText, 48),
			pointerInt64OrEmpty(rec.AnnouncementID),
			previous,
			truncateForTable(pointerStringOrEmpty(rec.ErrorMessage), 40),
		})
	}
	if err := writeTable([]string{"created_at", "outcome", "source", "identity", "announcement", "previous", "error"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	fmt.Printf("showing %d of %d\n", len(records), total)
	return 0
}
