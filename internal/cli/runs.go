package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/parley/pkg/runstore"
)

var (
	runsSession    string
	runsLimit      int
	summariesLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded agent runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print one run with its transcript as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsSummariesCmd = &cobra.Command{
	Use:   "summaries <session-id>",
	Short: "Print the end summaries recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsSummaries,
}

func init() {
	runsListCmd.Flags().StringVar(&runsSession, "session", "", "only runs of this session")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs (0 for all)")
	runsSummariesCmd.Flags().IntVar(&summariesLimit, "limit", 0, "only the latest N summaries (0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsSummariesCmd)
	rootCmd.AddCommand(runsCmd)
}

func openRunStore() (*runstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("run storage is disabled")
	}
	return runstore.Open(cfg.Storage.Path)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openRunStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(context.Background(), runsSession, runsLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSESSION\tSTATUS\tITER\tTOOLS\tSTARTED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Agent, r.SessionID, r.Status, r.Iterations, r.ToolCalls,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openRunStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(context.Background(), args[0])
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %q not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runRunsSummaries(cmd *cobra.Command, args []string) error {
	store, err := openRunStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.SummariesForSession(context.Background(), args[0], summariesLimit)
	if err != nil {
		return fmt.Errorf("failed to load summaries: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No summaries recorded.")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(out, "[%s] %s (%s): %s\n",
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Agent, s.RunID, s.Text)
	}
	return nil
}
