package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"xscraper/pkg/models"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past searches",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, log, err := loadConfig(nil)
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.Runs().ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, "No runs yet.")
			return nil
		}
		renderRuns(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its request and counters",
	Long: `Show one run. The id may be the full run id or the short prefix that
'xscraper runs list' prints.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, log, err := loadConfig(nil)
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		run, err := findRun(ctx, store.Runs(), args[0])
		if err != nil {
			return err
		}
		renderRun(os.Stdout, run)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "runs to show")
}

// runLookup is the part of *storage.RunsRepo that findRun needs.
type runLookup interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
}

// prefixScanRuns bounds how far back a short id is searched.
const prefixScanRuns = 500

// findRun looks id up exactly, then as a prefix of a recent run id. An
// ambiguous prefix is an error.
func findRun(ctx context.Context, runs runLookup, id string) (*models.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}
	run, err := runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run != nil {
		return run, nil
	}

	recent, err := runs.ListRuns(ctx, prefixScanRuns)
	if err != nil {
		return nil, err
	}
	var match *models.Run
	for i := range recent {
		if !strings.HasPrefix(recent[i].RunID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("run id %q is ambiguous", id)
		}
		match = &recent[i]
	}
	if match == nil {
		return nil, fmt.Errorf("run %q not found", id)
	}
	return match, nil
}

func renderRun(w io.Writer, run *models.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)

	started := time.Unix(int64(run.StartedAt), 0).UTC()
	t.AppendRow(table.Row{"Run", run.RunID})
	t.AppendRow(table.Row{"Status", run.Status})
	t.AppendRow(table.Row{"Query hash", models.Str(run.QueryHash)})
	t.AppendRow(table.Row{"Started (UTC)", started.Format("2006-01-02 15:04:05")})
	if run.FinishedAt != nil {
		finished := time.Unix(int64(*run.FinishedAt), 0).UTC()
		t.AppendRow(table.Row{"Finished (UTC)", finished.Format("2006-01-02 15:04:05")})
		t.AppendRow(table.Row{"Duration", time.Duration((*run.FinishedAt - run.StartedAt) * float64(time.Second)).Round(time.Second).String()})
	}
	t.AppendRow(table.Row{"Items", run.ItemsCount})

	var stats models.RunStats
	if raw := models.Str(run.StatsJSON); raw != "" && json.Unmarshal([]byte(raw), &stats) == nil {
		t.AppendRow(table.Row{"Tasks", fmt.Sprintf("%d total, %d done, %d failed, %d unresolved",
			stats.TasksTotal, stats.TasksDone, stats.TasksFailed, stats.Unresolved())})
		t.AppendRow(table.Row{"Retries", stats.Retries})
	}
	t.Render()

	if raw := models.Str(run.InputJSON); raw != "" {
		var pretty bytes.Buffer
		if json.Indent(&pretty, []byte(raw), "", "  ") == nil {
			fmt.Fprintf(w, "\nRequest:\n%s\n", pretty.String())
		}
	}
}

func renderRuns(w io.Writer, runs []models.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run", "Status", "Started (UTC)", "Duration", "Items", "Tasks", "Retries"})

	for _, r := range runs {
		started := time.Unix(int64(r.StartedAt), 0).UTC()
		duration := "-"
		if r.FinishedAt != nil {
			duration = time.Duration((*r.FinishedAt - r.StartedAt) * float64(time.Second)).Round(time.Second).String()
		}

		tasks, retries := "-", "-"
		var stats models.RunStats
		if raw := models.Str(r.StatsJSON); raw != "" && json.Unmarshal([]byte(raw), &stats) == nil {
			tasks = fmt.Sprintf("%d/%d", stats.TasksDone, stats.TasksTotal)
			if stats.TasksFailed > 0 {
				tasks += fmt.Sprintf(" (%d failed)", stats.TasksFailed)
			}
			retries = fmt.Sprintf("%d", stats.Retries)
		}

		t.AppendRow(table.Row{
			shortRunID(r.RunID),
			r.Status,
			started.Format("2006-01-02 15:04:05"),
			duration,
			r.ItemsCount,
			tasks,
			retries,
		})
	}
	t.Render()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
