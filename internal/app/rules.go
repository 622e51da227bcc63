package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/identity"
	"horse.fit/announcements/internal/logging"
	"horse.fit/announcements/internal/rules"
)

func runRules(args []string) int {
	if len(args) == 0 {
		printRulesUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "sync":
		return runRulesSync(args[1:])
	case "list":
		return runRulesList(args[1:])
	case "invalidate":
		return runRulesInvalidate(args[1:])
	case "help", "-h", "--help":
		printRulesUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown rules command: %s\n\n", args[0])
		printRulesUsage()
		return 2
	}
}

func printRulesUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  announcements rules sync --file rules.yaml   Upsert domain rules and source priorities")
	fmt.Fprintln(os.Stderr, "  announcements rules list [--all]             List domain rules")
	fmt.Fprintln(os.Stderr, "  announcements rules invalidate --domain D    Tell running processes to drop cached rules")
}

func runRulesSync(args []string) int {
	fs := flag.NewFlagSet("rules sync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "rules.yaml", "YAML file with domain_rules and priorities")
	dryRun := fs.Bool("dry-run", false, "Parse and validate the file without writing")
	timeout := fs.Duration("timeout", time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ruleSet, entries, err := rules.LoadFile(strings.TrimSpace(*file))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rules file: %v\n", err)
		return 1
	}
	if *dryRun {
		fmt.Printf("rules file ok: domain_rules=%d priorities=%d\n", len(ruleSet), len(entries))
		return 0
	}

	ctx, cancel, cfg, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	changed, err := pool.SyncDomainRules(ctx, ruleSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sync domain rules: %v\n", err)
		return 1
	}
	updatedPriorities, err := pool.SyncSourcePriorities(ctx, entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sync source priorities: %v\n", err)
		return 1
	}

	events := make([]rules.Event, 0, len(changed)+1)
	for _, domain := range changed {
		events = append(events, rules.DomainEvent(domain))
	}
	if updatedPriorities > 0 {
		events = append(events, rules.Event{Scope: rules.ScopePriority})
	}
	if err := publishEvents(ctx, cfg, logger, events); err != nil {
		fmt.Fprintf(os.Stderr, "Rules saved but notification failed: %v\n", err)
		return 1
	}

	logger.Info().
		Strs("changed_domains", changed).
		Int("updated_priorities", updatedPriorities).
		Msg("rules synced")
	fmt.Printf("rules sync changed_domains=%d updated_priorities=%d\n", len(changed), updatedPriorities)
	for _, domain := range changed {
		fmt.Printf("  changed %s\n", domain)
	}
	return 0
}

func runRulesList(args []string) int {
	fs := flag.NewFlagSet("rules list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	all := fs.Bool("all", false, "Include inactive rules")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, _, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	records, err := pool.ListDomainRules(ctx, !*all)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list domain rules: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(records); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		extraction := strings.Join(rec.Params, ",")
		if rec.ExtractionMethod == string(identity.MethodPathPattern) {
			extraction = pointerStringOrEmpty(rec.PathPattern)
		}
		rows = append(rows, []string{
			rec.Domain,
			rec.ExtractionMethod,
			truncateForTable(extraction, 60),
			fmt.Sprintf("%t", rec.Active),
			formatUTCTimestamp(rec.UpdatedAt),
		})
	}
	if err := writeTable([]string{"domain", "method", "extraction", "active", "updated_at"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func runRulesInvalidate(args []string) int {
	fs := flag.NewFlagSet("rules invalidate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	domain := fs.String("domain", "", "Domain whose cached rule should be dropped")
	all := fs.Bool("all", false, "Drop every cached rule")
	deactivate := fs.Bool("deactivate", false, "Also deactivate the domain's rule in the database")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	normalized := identity.NormalizeDomain(*domain)
	switch {
	case *all && normalized != "":
		fmt.Fprintln(os.Stderr, "--domain and --all are mutually exclusive")
		return 2
	case !*all && normalized == "":
		fmt.Fprintln(os.Stderr, "--domain or --all is required")
		return 2
	case *deactivate && normalized == "":
		fmt.Fprintln(os.Stderr, "--deactivate requires --domain")
		return 2
	}

	ctx, cancel, cfg, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ev := rules.Event{Scope: rules.ScopeAll}
	if normalized != "" {
		ev = rules.DomainEvent(normalized)
	}
	if *deactivate {
		found, err := pool.DeactivateDomainRule(ctx, normalized)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to deactivate rule: %v\n", err)
			return 1
		}
		if !found {
			fmt.Fprintf(os.Stderr, "No active rule for %s\n", normalized)
		}
	}

	if err := publishEvents(ctx, cfg, logger, []rules.Event{ev}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to publish invalidation: %v\n", err)
		return 1
	}
	fmt.Printf("invalidated scope=%s domain=%s\n", ev.Scope, ev.Domain)
	return 0
}
