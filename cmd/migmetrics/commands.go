package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/migration-metrics/internal/backfill"
	"github.com/hochfrequenz/migration-metrics/internal/config"
	"github.com/hochfrequenz/migration-metrics/internal/ingest"
	"github.com/hochfrequenz/migration-metrics/internal/runstore"
	"github.com/hochfrequenz/migration-metrics/internal/sloc"
)

var (
	dbPath string

	listProject  string
	listTarget   string
	listStrategy string
	listStatus   string
	listSince    string
	listUntil    string
	listLimit    int

	statsProject  string
	statsTarget   string
	statsStrategy string
	statsGroupBy  string

	classifyLang    string
	classifyWorkers int

	backfillProject  string
	backfillStrategy string
	backfillSource   string

	exportOut    string
	exportFormat string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")

	// ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest FILE|DIR",
		Short: "Ingest serialized run records",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	rootCmd.AddCommand(ingestCmd)

	// get command
	getCmd := &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Print the full record for a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	rootCmd.AddCommand(getCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listProject, "project", "", "filter by project")
	listCmd.Flags().StringVar(&listTarget, "target", "", "filter by target language")
	listCmd.Flags().StringVar(&listStrategy, "strategy", "", "filter by strategy")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listSince, "since", "", "runs started on or after (YYYY-MM-DD)")
	listCmd.Flags().StringVar(&listUntil, "until", "", "runs started on or before (YYYY-MM-DD)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of runs")
	rootCmd.AddCommand(listCmd)

	// stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(&statsProject, "project", "", "filter by project")
	statsCmd.Flags().StringVar(&statsTarget, "target", "", "filter by target language")
	statsCmd.Flags().StringVar(&statsStrategy, "strategy", "", "filter by strategy")
	statsCmd.Flags().StringVar(&statsGroupBy, "group-by", "", "group by field (project, strategy, target)")
	rootCmd.AddCommand(statsCmd)

	// classify command
	classifyCmd := &cobra.Command{
		Use:   "classify DIR",
		Short: "Count production and test lines in a source tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runClassify,
	}
	classifyCmd.Flags().StringVar(&classifyLang, "lang", "", "language tag: "+strings.Join(sloc.Languages(), ", "))
	classifyCmd.Flags().IntVar(&classifyWorkers, "workers", 0, "parallel workers (0 = config default)")
	classifyCmd.MarkFlagRequired("lang")
	rootCmd.AddCommand(classifyCmd)

	// backfill command
	backfillCmd := &cobra.Command{
		Use:   "backfill LOG_FILE",
		Short: "Reconstruct a run record from a transcript log",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackfill,
	}
	backfillCmd.Flags().StringVar(&backfillProject, "project", "", "project name override")
	backfillCmd.Flags().StringVar(&backfillStrategy, "strategy", "", "strategy override")
	backfillCmd.Flags().StringVar(&backfillSource, "source", "", "source language override")
	rootCmd.AddCommand(backfillCmd)

	// export command
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Dump all stored records",
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or yaml")
	rootCmd.AddCommand(exportCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the metrics directory and ingest new records",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	// delete command
	deleteCmd := &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	rootCmd.AddCommand(deleteCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore() (*runstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := dbPath
	if path == "" {
		path = cfg.General.DatabasePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return runstore.New(path)
}

func runIngest(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ing := ingest.New(store)

	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}

	if !info.IsDir() {
		runID, err := ing.File(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %s\n", runID)
		return nil
	}

	result, err := ing.Dir(args[0])
	if err != nil {
		return err
	}
	for _, runID := range result.Ingested {
		fmt.Printf("Ingested %s\n", runID)
	}
	for path, err := range result.Failed {
		fmt.Fprintf(os.Stderr, "Failed %s: %v\n", path, err)
	}
	fmt.Printf("%d ingested, %d failed\n", len(result.Ingested), len(result.Failed))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := runstore.QueryOptions{
		Project:  listProject,
		Target:   listTarget,
		Strategy: listStrategy,
		Status:   listStatus,
		Limit:    listLimit,
	}
	if listSince != "" {
		t, err := time.Parse("2006-01-02", listSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		opts.Since = t
	}
	if listUntil != "" {
		t, err := time.Parse("2006-01-02", listUntil)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
		opts.Until = t
	}

	records, err := store.Query(opts)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPROJECT\tTARGET\tSTRATEGY\tSTATUS\tSTARTED\tDURATION\tCOST")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t$%.2f\n",
			rec.Identity.RunID,
			rec.Identity.ProjectName,
			rec.Identity.TargetLanguage,
			rec.Identity.Strategy,
			rec.Outcome.Status,
			rec.Identity.StartedAt.Format("2006-01-02 15:04"),
			formatDuration(rec.Timing.WallClockMs),
			rec.Cost.TotalUSD)
	}
	w.Flush()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if statsGroupBy != "" {
		groups, err := store.GroupBy(statsGroupBy)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No runs stored")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "%s\tRUNS\tAVG DURATION\tTOTAL COST\tAVG COST\tSUCCESS\n", strings.ToUpper(statsGroupBy))
		for value, stats := range groups {
			fmt.Fprintf(w, "%s\t%d\t%s\t$%.2f\t$%.2f\t%.0f%%\n",
				value,
				stats.Count,
				formatDuration(int64(stats.AvgDurationMs)),
				stats.TotalCostUSD,
				stats.AvgCostUSD,
				stats.SuccessRatePct)
		}
		w.Flush()
		return nil
	}

	stats, err := store.Aggregate(runstore.Filter{
		Project:  statsProject,
		Target:   statsTarget,
		Strategy: statsStrategy,
	})
	if err != nil {
		return err
	}
	if stats == nil {
		fmt.Println("No runs match")
		return nil
	}

	fmt.Printf("Runs:            %s\n", humanize.Comma(int64(stats.Count)))
	fmt.Printf("Avg duration:    %s\n", formatDuration(int64(stats.AvgDurationMs)))
	fmt.Printf("Median duration: %s\n", formatDuration(int64(stats.MedianDurationMs)))
	fmt.Printf("P95 duration:    %s\n", formatDuration(int64(stats.P95DurationMs)))
	fmt.Printf("Total cost:      $%.2f\n", stats.TotalCostUSD)
	fmt.Printf("Avg cost:        $%.2f\n", stats.AvgCostUSD)
	fmt.Printf("Avg match rate:  %.1f%%\n", stats.AvgMatchRate*100)
	if stats.AvgCoveragePct != nil {
		fmt.Printf("Avg coverage:    %.1f%%\n", *stats.AvgCoveragePct)
	} else {
		fmt.Printf("Avg coverage:    n/a\n")
	}
	fmt.Printf("Success rate:    %.0f%%\n", stats.SuccessRatePct)
	fmt.Printf("Avg expansion:   %.2fx\n", stats.AvgExpansionRatio)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	workers := classifyWorkers
	if workers <= 0 {
		workers = cfg.Classify.Workers
	}

	var counts sloc.Counts
	if workers > 1 {
		counts, err = sloc.ClassifyParallel(args[0], classifyLang, workers)
	} else {
		counts, err = sloc.Classify(args[0], classifyLang)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Files:      %s\n", humanize.Comma(int64(counts.Files)))
	fmt.Printf("Production: %s lines\n", humanize.Comma(int64(counts.Production)))
	fmt.Printf("Test:       %s lines\n", humanize.Comma(int64(counts.Test)))
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	fmt.Printf("Parsing: %s\n", args[0])

	rec, err := backfill.Parse(args[0], backfill.Options{
		Project:        backfillProject,
		Strategy:       backfillStrategy,
		SourceLanguage: backfillSource,
	})
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Insert(rec); err != nil {
		return err
	}

	fmt.Printf("Run ID:   %s\n", rec.Identity.RunID)
	fmt.Printf("Project:  %s\n", rec.Identity.ProjectName)
	fmt.Printf("Strategy: %s\n", rec.Identity.Strategy)
	fmt.Printf("Duration: %s\n", formatDuration(rec.Timing.WallClockMs))
	fmt.Printf("Cost:     $%.2f\n", rec.Cost.TotalUSD)
	fmt.Printf("Messages: %s\n", humanize.Comma(int64(rec.Agent.TotalMessages)))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count()
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Println("No runs stored")
		return nil
	}

	records, err := store.All(count)
	if err != nil {
		return err
	}

	var out []byte
	switch exportFormat {
	case "json":
		out, err = json.MarshalIndent(records, "", "  ")
	case "yaml":
		out, err = yaml.Marshal(records)
	default:
		return fmt.Errorf("unknown format %q, want json or yaml", exportFormat)
	}
	if err != nil {
		return err
	}

	if exportOut == "" {
		fmt.Println(string(out))
		return nil
	}
	if err := os.WriteFile(exportOut, out, 0o644); err != nil {
		return err
	}
	fmt.Printf("Exported %d runs to %s\n", len(records), exportOut)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.General.MetricsDir, 0o755); err != nil {
		return err
	}

	w, err := ingest.NewWatcher(ingest.New(store), cfg.General.MetricsDir, ingest.WatchOptions{
		Debounce:   time.Duration(cfg.Ingest.DebounceMs) * time.Millisecond,
		RescanCron: cfg.Ingest.RescanCron,
		OnIngest: func(runID, path string) {
			fmt.Printf("Ingested %s (%s)\n", runID, path)
		},
		OnError: func(path string, err error) {
			fmt.Fprintf(os.Stderr, "Failed %s: %v\n", path, err)
		},
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Watching %s\n", cfg.General.MetricsDir)
	<-ctx.Done()
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.Delete(args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("run not found: %s", args[0])
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fmin", d.Minutes())
}
