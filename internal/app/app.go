package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "rules":
		return runRules(args[1:])
	case "priorities":
		return runPriorities(args[1:])
	case "resolutions":
		return runResolutions(args[1:])
	case "stats":
		return runStats(args[1:])
	case "reconcile":
		return runReconcile(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "announcements CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  announcements <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health       Verify database (and Redis, when configured) connectivity")
	fmt.Fprintln(os.Stderr, "  migrate      Create or update the announce schema")
	fmt.Fprintln(os.Stderr, "  validate     Validate candidate JSONL files against the candidate schema")
	fmt.Fprintln(os.Stderr, "  ingest       Resolve a JSONL file of candidates as one batch")
	fmt.Fprintln(os.Stderr, "  watch        Resolve JSONL files dropped in the inbox on a cron schedule")
	fmt.Fprintln(os.Stderr, "  rules        sync | list | invalidate domain rules")
	fmt.Fprintln(os.Stderr, "  priorities   list source priorities")
	fmt.Fprintln(os.Stderr, "  resolutions  List resolution log entries")
	fmt.Fprintln(os.Stderr, "  stats        Show outcome counts and unidentifiable volume")
	fmt.Fprintln(os.Stderr, "  reconcile    Re-key unidentifiable announcements of a newly configured domain")
	fmt.Fprintln(os.Stderr, "  serve        Start the monitoring and configuration API")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"announcements <command> -h\" for command-specific flags.")
}
