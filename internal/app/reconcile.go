package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/reconcile"
)

func runReconcile(args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	domain := fs.String("domain", "", "Domain whose unidentifiable announcements should be re-keyed")
	apply := fs.Bool("apply", false, "Write the new identities (default is a dry run)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*domain) == "" {
		fmt.Fprintln(os.Stderr, "--domain is required")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
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

	svc := reconcile.NewService(rt.pool, rt.cache, rt.logger)
	report, err := svc.Run(ctx, *domain, *apply)
	if err != nil {
		rt.logger.Error().Err(err).Str("domain", *domain).Msg("reconcile failed")
		fmt.Fprintf(os.Stderr, "Reconcile failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(report.Items))
	for _, item := range report.Items {
		detail := item.CanonicalKey
		if detail == "" {
			detail = "(" + item.Reason + ")"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", item.AnnouncementID),
			string(item.Status),
			truncateForTable(detail, 48),
			truncateForTable(item.RawURL, 60),
		})
	}
	if err := writeTable([]string{"announcement", "status", "identity", "raw_url"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}

	mode := "dry-run"
	if report.Applied {
		mode = "applied"
	}
	fmt.Printf(
		"reconcile domain=%s mode=%s scanned=%d promotable=%d promoted=%d identity_taken=%d still_unkeyed=%d\n",
		report.Domain,
		mode,
		report.Scanned,
		report.Counts[reconcile.StatusPromotable],
		report.Counts[reconcile.StatusPromoted],
		report.Counts[reconcile.StatusIdentityTaken],
		report.Counts[reconcile.StatusStillUnkeyed],
	)
	return 0
}
