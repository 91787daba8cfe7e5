// Command entitlectl runs Entitle housekeeping against a configured store:
// renewal sweeps, plan seeding and listing, retention cleanup and stats.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"sweep":   runSweep,
	"plans":   runPlans,
	"seed":    runSeed,
	"cleanup": runCleanup,
	"stats":   runStats,
}

func usage() {
	fmt.Fprintf(os.Stderr, `entitlectl - Entitle housekeeping (version %s)

Usage:
  entitlectl <command> [options]

Commands:
  sweep      Check due subscriptions once, or on a cron schedule (--schedule)
  plans      List plans with their monthly-equivalent price
  seed       Create plans from a YAML file, or the default catalog
  cleanup    Purge old usage records and expired subscriptions (--days, --dry-run)
  stats      Show subscription counts and monthly recurring revenue

Every command accepts --config (default: $ENTITLE_CONFIG or entitle.yaml).
Run 'entitlectl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "entitlectl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}
