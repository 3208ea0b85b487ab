package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
	"github.com/JakeFAU/job-aggregator/internal/ingest"
)

type crawlFlags struct {
	maxDepth   int
	maxBreadth int
	workers    int
	formats    []string
	outDir     string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <targets-file>",
		Short: "Crawls every target in a CSV, YAML or JSON file",
		Long: `Reads company/url pairs from the targets file, crawls each careers site,
merges the postings into one deduplicated dataset and exports it.

The CSV form needs a header with a company column and a url column.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", 0, "override crawl.max_depth")
	cmd.Flags().IntVar(&flags.maxBreadth, "max-breadth", 0, "override crawl.max_breadth")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "override crawl.workers")
	cmd.Flags().StringSliceVar(&flags.formats, "format", nil, "export formats (csv, json, xlsx)")
	cmd.Flags().StringVar(&flags.outDir, "out", "", "write exports to this local directory")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, path string, flags crawlFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if cmd.Flags().Changed("max-depth") {
		cfg.Crawl.MaxDepth = flags.maxDepth
	}
	if cmd.Flags().Changed("max-breadth") {
		cfg.Crawl.MaxBreadth = flags.maxBreadth
	}
	if cmd.Flags().Changed("workers") {
		cfg.Crawl.Workers = flags.workers
	}
	if len(flags.formats) > 0 {
		cfg.Export.Formats = flags.formats
	}
	if flags.outDir != "" {
		cfg.Storage.Backend = "local"
		cfg.Storage.LocalDir = flags.outDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	targets, err := ingest.Load(path)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer app.Close(context.WithoutCancel(ctx))

	run, err := app.Engine().Run(ctx, targets)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			rt.logger.Info("crawl interrupted before it started")
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}
	if err := printSummary(cmd.OutOrStdout(), run); err != nil {
		rt.logger.Warn("failed to print summary", zap.Error(err))
	}
	if run.Error != "" {
		return fmt.Errorf("run %s: %s", run.ID, run.Error)
	}
	return nil
}

// printSummary writes one row per target followed by the run totals and the
// export locations.
func printSummary(w io.Writer, run crawler.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPANY\tSTATE\tPAGES\tFAILED\tRECORDS\tRETRIES\tDURATION\tNOTE")
	for _, job := range run.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			job.Company,
			job.State,
			job.PagesVisited,
			job.PagesFailed,
			job.RecordsFound,
			job.Retries,
			job.Duration.Round(time.Millisecond),
			oneLine(job.Error),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nrun %s %s: %d targets, %d records\n", run.ID, run.State, run.Targets, run.Records)
	formats := make([]string, 0, len(run.Exports))
	for f := range run.Exports {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	for _, f := range formats {
		fmt.Fprintf(w, "  %-5s %s\n", f, run.Exports[f])
	}
	return nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
