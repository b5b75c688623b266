package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/studiowebux/lanebench/internal/config"
	"github.com/studiowebux/lanebench/internal/store"
)

var (
	runsDB     string
	runsLimit  int
	runsOutput string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openHistory()
		if err != nil {
			return err
		}
		defer m.Close()

		runs, err := m.ListRuns(runsLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		if runsOutput != "text" {
			return printStructured(runsOutput, runs)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}

		fmt.Printf("%-5s %-20s %-12s %10s %8s %10s  %s\n", "ID", "STARTED", "STATUS", "REQ/S", "ERR%", "P99", "TARGET")
		for _, r := range runs {
			fmt.Printf("%-5d %-20s %-12s %10.1f %7.2f%% %10s  %s\n",
				r.ID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.RequestsPerSecond,
				r.ErrorRate*100,
				r.Latency.P99.Round(time.Microsecond),
				r.Target,
			)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id|run-id>",
	Short: "Show a run and its reports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openHistory()
		if err != nil {
			return err
		}
		defer m.Close()

		run, err := findRun(m, args[0])
		if err != nil {
			return err
		}
		ticks, err := m.GetTicks(run.ID)
		if err != nil {
			return fmt.Errorf("failed to get reports: %w", err)
		}

		if runsOutput != "text" {
			return printStructured(runsOutput, struct {
				Run   *store.Run    `json:"run" yaml:"run"`
				Ticks []*store.Tick `json:"ticks" yaml:"ticks"`
			}{run, ticks})
		}

		fmt.Printf("Run %d (%s)\n", run.ID, run.RunID)
		if run.Name != "" {
			fmt.Printf("Name:        %s\n", run.Name)
		}
		fmt.Printf("Target:      %s %s\n", run.Method, run.Target)
		fmt.Printf("Lanes:       %d x %d concurrent\n", run.Workers, run.Concurrency)
		fmt.Printf("Started:     %s\n", run.StartedAt.Local().Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Printf("Completed:   %s\n", run.CompletedAt.Local().Format(time.RFC3339))
		}
		fmt.Printf("Status:      %s\n", run.Status)
		fmt.Printf("Requests:    %d ok, %d failed (%.2f%%)\n", run.TotalSuccess, run.TotalErrors, run.ErrorRate*100)

		if len(run.ErrorsByKind) > 0 {
			kinds := make([]string, 0, len(run.ErrorsByKind))
			for k := range run.ErrorsByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Printf("  %-11s%d\n", k+":", run.ErrorsByKind[k])
			}
		}

		fmt.Printf("Throughput:  %.1f req/s\n", run.RequestsPerSecond)
		fmt.Printf("Latency:     p50 %s  p95 %s  p99 %s  max %s\n",
			run.Latency.P50.Round(time.Microsecond),
			run.Latency.P95.Round(time.Microsecond),
			run.Latency.P99.Round(time.Microsecond),
			run.Latency.Max.Round(time.Microsecond),
		)
		if run.LostLanes > 0 {
			fmt.Printf("Lost lanes:  %d\n", run.LostLanes)
		}

		if len(ticks) > 0 {
			fmt.Printf("\n%-5s %9s %10s %8s %8s %10s\n", "SEQ", "ELAPSED", "REQ/S", "ERRORS", "ERR%", "P99")
			for _, t := range ticks {
				seq := strconv.Itoa(t.Seq)
				if t.Final {
					seq += "*"
				}
				fmt.Printf("%-5s %9s %10.1f %8d %7.2f%% %10s\n",
					seq, t.Elapsed, t.RequestsPerSecond, t.Errors, t.ErrorRate*100, t.P99.Round(time.Microsecond))
			}
		}
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id|run-id>",
	Short: "Delete a run and its reports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openHistory()
		if err != nil {
			return err
		}
		defer m.Close()

		run, err := findRun(m, args[0])
		if err != nil {
			return err
		}
		if err := m.DeleteRun(run.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted run %d (%s)\n", run.ID, run.RunID)
		return nil
	},
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsDB, "db", "", "Run history database (default ~/.lanebench/lanebench.db)")
	runsCmd.PersistentFlags().StringVarP(&runsOutput, "output", "o", "text", "Output format (text/json/yaml)")
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs (0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}

func openHistory() (*store.Manager, error) {
	switch runsOutput {
	case "text", "json", "yaml":
	default:
		return nil, &config.ConfigError{Field: "output", Reason: fmt.Sprintf("unknown format %q (text, json, yaml)", runsOutput)}
	}

	path, err := databasePath(runsDB)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no run history at %s", path)
	}
	return store.NewManager(path)
}

// findRun accepts either the numeric database ID or the run UUID
func findRun(m *store.Manager, ref string) (*store.Run, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		run, err := m.GetRun(id)
		if err != nil {
			return nil, fmt.Errorf("run %d not found: %w", id, err)
		}
		return run, nil
	}
	run, err := m.GetRunByUUID(ref)
	if err != nil {
		return nil, fmt.Errorf("run %s not found: %w", ref, err)
	}
	return run, nil
}

func printStructured(format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
}
