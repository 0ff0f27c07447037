package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/app"
	"github.com/JakeFAU/story-harvester/internal/cancel"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		count   int
		sources []string
		topUp   bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one acquisition pass",
		Long: `Splits the requested item count across the configured (or given) sources
and crawls them. The first interrupt finishes in-flight work and flushes
pending items; a second one aborts. With --top-up the pass is skipped while
at least orchestrator.min_unused eligible items are still unused.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if count < 0 {
				return fmt.Errorf("--count must be >= 0")
			}
			logger := appInstance.Logger()

			token := cancel.New()
			ctx, stop := cancel.OnSignals(cmd.Context(), token, logger, os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := appInstance.Crawl(ctx, app.CrawlRequest{Count: count, Sources: sources, TopUp: topUp}, token)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			logger.Info("crawl command finished",
				zap.Int("saved", report.Saved),
				zap.Bool("canceled", report.Canceled),
				zap.Bool("top_up_skipped", report.TopUpSkipped))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "total items to collect (default: orchestrator.target)")
	cmd.Flags().BoolVar(&topUp, "top-up", false, "crawl only when fewer than orchestrator.min_unused items are unused")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "sources to crawl, e.g. tifu,confessions (default: config sources)")
	return cmd
}
