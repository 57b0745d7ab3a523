package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/service"
)

const closeBudget = 10 * time.Second

var errAborted = errors.New("aborted")

var (
	purgeDays  int
	purgeYes   bool
	listStatus string
	listLimit  int
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Inspect and prune the trace snapshot",
	Long: `Work on the trace snapshot file directly. Stop the server first: a running
engine rewrites the snapshot and would overwrite offline changes.`,
}

var tracesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent traces, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracer, cleanup, err := openTracer()
		if err != nil {
			return err
		}
		defer cleanup()

		page := tracer.List(trace.Filter{Status: trace.Status(strings.ToUpper(listStatus)), Limit: listLimit})
		if len(page.Traces) == 0 {
			fmt.Println("No traces found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tSTEPS\tPROMPT")
		for i := range page.Traces {
			t := &page.Traces[i]
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				t.ID, t.Status, t.CreatedAt.Format(time.RFC3339), len(t.Steps), trace.Preview(t.PromptPreview, 60))
		}
		_, _ = fmt.Fprintf(w, "\n%d of %d traces\n", len(page.Traces), page.Total)
		return w.Flush()
	},
}

var tracesPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove finished traces older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeDays < 0 {
			return fmt.Errorf("--days must be >= 0, got %d", purgeDays)
		}
		if !purgeYes && term.IsTerminal(int(os.Stdin.Fd())) {
			ok, err := confirm(fmt.Sprintf("Remove finished traces older than %d days?", purgeDays))
			if err != nil {
				return err
			}
			if !ok {
				return errAborted
			}
		}

		tracer, cleanup, err := openTracer()
		if err != nil {
			return err
		}
		defer cleanup()

		n := tracer.ClearOldTraces(purgeDays)
		fmt.Printf("Removed %d traces.\n", n)
		return nil
	},
}

func init() {
	tracesListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (PENDING, PROCESSING, COMPLETED, FAILED, LOST)")
	tracesListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum traces to show")
	tracesPurgeCmd.Flags().IntVar(&purgeDays, "days", 30, "age in days; 0 removes every finished trace")
	tracesPurgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false, "skip the confirmation prompt")

	tracesCmd.AddCommand(tracesListCmd, tracesPurgeCmd)
	rootCmd.AddCommand(tracesCmd)
}

// openTracer loads the trace snapshot. The cleanup func writes pending changes.
func openTracer() (*service.TracerService, func(), error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	tracer, err := service.NewTracerService(cfg.Tracer, nil)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeBudget)
		defer cancel()
		if err := tracer.Close(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "warning: trace snapshot not written:", err)
		}
		closeLog()
	}
	return tracer, cleanup, nil
}

func confirm(question string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
