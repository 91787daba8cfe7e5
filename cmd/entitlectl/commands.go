package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// command bundles the flags every subcommand shares.
type command struct {
	fs         *flag.FlagSet
	configPath string
	asJSON     bool
}

func newCommand(name, summary string) *command {
	c := &command{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	c.fs.StringVar(&c.configPath, "config", "", "Path to the YAML config file")
	c.fs.BoolVar(&c.asJSON, "json", false, "Print the result as JSON")
	c.fs.Usage = func() {
		fmt.Fprintf(c.fs.Output(), "Usage: entitlectl %s [options]\n\n%s\n\nOptions:\n", name, summary)
		c.fs.PrintDefaults()
	}
	return c
}

// run parses args, opens the engine and calls fn with it.
func (c *command) run(args []string, fn func(ctx context.Context, eng *entitle.Engine) error) error {
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(context.Background()); err != nil {
			eng.Logger().Warn("engine stop failed", "error", err)
		}
	}()

	return fn(ctx, eng)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ──────────────────────────────────────────────────
// sweep
// ──────────────────────────────────────────────────

func runSweep(args []string) error {
	c := newCommand("sweep", "Run renewal, trial and grace checks on due subscriptions.")
	schedule := c.fs.String("schedule", "", "Cron schedule (e.g. \"*/15 * * * *\"); empty runs once")
	concurrency := c.fs.Int("concurrency", 4, "Parallel subscription checks")
	dryRun := c.fs.Bool("dry-run", false, "Only count due subscriptions")

	return c.run(args, func(ctx context.Context, eng *entitle.Engine) error {
		opts := entitle.SweepOpts{Concurrency: *concurrency, DryRun: *dryRun}
		if *schedule == "" {
			return sweepOnce(ctx, eng, opts, os.Stdout, c.asJSON)
		}
		return sweepScheduled(ctx, eng, *schedule, opts)
	})
}

func sweepOnce(ctx context.Context, eng *entitle.Engine, opts entitle.SweepOpts, w io.Writer, asJSON bool) error {
	report, err := eng.SweepSubscriptions(ctx, opts)
	if report == nil {
		return err
	}
	if asJSON {
		if jerr := writeJSON(w, report); jerr != nil {
			return jerr
		}
		return err
	}

	fmt.Fprintf(w, "checked: %d  failed: %d  took: %s\n", report.Checked, report.Failed, report.Duration)
	for _, status := range subscription.AllStatuses {
		if n := report.Changed[status]; n > 0 {
			fmt.Fprintf(w, "  -> %-10s %d\n", status, n)
		}
	}
	return err
}

func sweepScheduled(ctx context.Context, eng *entitle.Engine, schedule string, opts entitle.SweepOpts) error {
	logger := eng.Logger()
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		report, err := eng.SweepSubscriptions(ctx, opts)
		if err != nil {
			logger.Warn("scheduled sweep finished with errors", "error", err)
		}
		if report != nil {
			logger.Info("scheduled sweep",
				"checked", report.Checked,
				"failed", report.Failed,
				"duration", report.Duration,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	c.Start()
	logger.Info("sweep scheduler started", "schedule", schedule)

	<-ctx.Done()
	logger.Info("shutting down sweep scheduler")
	<-c.Stop().Done()
	return nil
}

// ──────────────────────────────────────────────────
// plans
// ──────────────────────────────────────────────────

func runPlans(args []string) error {
	c := newCommand("plans", "List plans and their monthly-equivalent price.")
	all := c.fs.Bool("all", false, "Include inactive plans")

	return c.run(args, func(ctx context.Context, eng *entitle.Engine) error {
		return listPlans(ctx, eng, os.Stdout, !*all, c.asJSON)
	})
}

type planRow struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Price    string `json:"price"`
	Cadence  string `json:"cadence"`
	Monthly  string `json:"monthly"`
	Trial    int    `json:"trial_days"`
	Active   bool   `json:"active"`
	Features int    `json:"features"`
}

func listPlans(ctx context.Context, eng *entitle.Engine, w io.Writer, activeOnly, asJSON bool) error {
	plans, err := eng.ListPlans(ctx, plan.ListOpts{ActiveOnly: activeOnly})
	if err != nil {
		return err
	}

	rows := make([]planRow, 0, len(plans))
	for _, p := range plans {
		rows = append(rows, planRow{
			Slug:     p.Slug,
			Name:     p.Name,
			Price:    p.PriceMoney().String(),
			Cadence:  string(p.Cadence),
			Monthly:  p.MonthlyPrice().StringFixed(2),
			Trial:    p.TrialDays,
			Active:   p.Active,
			Features: len(p.Features),
		})
	}
	if asJSON {
		return writeJSON(w, rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tPRICE\tCADENCE\tMONTHLY\tTRIAL\tACTIVE\tFEATURES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%d\n",
			r.Slug, r.Name, r.Price, r.Cadence, r.Monthly, r.Trial, r.Active, r.Features)
	}
	return tw.Flush()
}

// ──────────────────────────────────────────────────
// seed
// ──────────────────────────────────────────────────

func runSeed(args []string) error {
	c := newCommand("seed", "Create plans that do not exist yet. Existing slugs are skipped.")
	file := c.fs.String("file", "", "YAML plan file; empty seeds the default catalog")

	return c.run(args, func(ctx context.Context, eng *entitle.Engine) error {
		plans := plan.DefaultPlans()
		if *file != "" {
			var err error
			if plans, err = loadPlanFile(*file); err != nil {
				return err
			}
		}
		return seedPlans(ctx, eng, plans, os.Stdout)
	})
}

func seedPlans(ctx context.Context, eng *entitle.Engine, plans []*plan.Plan, w io.Writer) error {
	created, err := eng.SeedPlans(ctx, plans)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "seeded %d of %d plans\n", created, len(plans))
	return nil
}

// ──────────────────────────────────────────────────
// cleanup
// ──────────────────────────────────────────────────

func runCleanup(args []string) error {
	c := newCommand("cleanup", "Purge usage records and expired subscriptions older than --days.")
	days := c.fs.Int("days", 90, "Retention window in days")
	dryRun := c.fs.Bool("dry-run", false, "Only count what would be removed")

	return c.run(args, func(ctx context.Context, eng *entitle.Engine) error {
		return cleanup(ctx, eng, *days, *dryRun, os.Stdout, c.asJSON)
	})
}

func cleanup(ctx context.Context, eng *entitle.Engine, days int, dryRun bool, w io.Writer, asJSON bool) error {
	report, err := eng.Cleanup(ctx, time.Duration(days)*24*time.Hour, dryRun)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, report)
	}

	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Fprintf(w, "%s %d usage records and %d expired subscriptions older than %d days\n",
		verb, report.UsageRecords, report.Subscriptions, days)
	return nil
}

// ──────────────────────────────────────────────────
// stats
// ──────────────────────────────────────────────────

func runStats(args []string) error {
	c := newCommand("stats", "Show plan and subscription counts and monthly recurring revenue.")

	return c.run(args, func(ctx context.Context, eng *entitle.Engine) error {
		return printStats(ctx, eng, os.Stdout, c.asJSON)
	})
}

func printStats(ctx context.Context, eng *entitle.Engine, w io.Writer, asJSON bool) error {
	st, err := eng.Stats(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, st)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "plans\t%d (%d active)\n", st.Plans, st.ActivePlans)
	for _, status := range subscription.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, st.Subscriptions[status])
	}

	currencies := make([]string, 0, len(st.MRR))
	for cur := range st.MRR {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		mrr := st.MRR[cur]
		fmt.Fprintf(tw, "mrr %s\t%s\t(arr %s)\n", cur, mrr.StringFixed(2), mrr.Mul(decimal.NewFromInt(12)).StringFixed(2))
	}
	return tw.Flush()
}
