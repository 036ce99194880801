package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/heapstream/internal/repository"
	"github.com/heapstream/pkg/model"
)

var (
	// History command flags
	historyLimit int
	historyJSON  bool
	historyRunID string
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded load runs",
	Long:  `List the most recent load runs recorded in the configured database, or show one run by id.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print runs as JSON")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Show a single run")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("load history requires database.enabled")
	}

	db, err := repository.NewGormDB(&cfg.Database)
	if err != nil {
		return err
	}
	repos := repository.NewRepositories(db)
	defer repos.Close()

	if historyRunID != "" {
		report, err := repos.LoadRuns.GetByRunID(cmd.Context(), historyRunID)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(cmd, report, false)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	}

	runs, err := repos.LoadRuns.ListRecent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(cmd, runs, false)
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(w io.Writer, runs []*model.LoadReport) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No load runs recorded.")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s  %-10s %-9s %8d objects %10s  %s\n",
			r.RunID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Mode, r.Status,
			r.Objects, r.Duration().Round(time.Millisecond), truncateString(r.Archive, 48))
	}
}
