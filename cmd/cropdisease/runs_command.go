// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cropdoc/cropdisease/internal/history"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/spf13/cobra"
)

func newRunsCommand(cc *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [RUN_ID]",
		Short: "List the recorded training runs, or the epochs of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			dbPath := cfg.RunsDBPath()
			if _, err := os.Stat(dbPath); err != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded in %s\n", dbPath)
				return nil
			}
			registry, err := history.OpenRegistry(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = registry.Close() }()
			if len(args) == 1 {
				return printRunEpochs(cmd, registry, args[0])
			}

			runs, err := registry.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, runRow(run))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Run", "Status", "Started", "Duration", "Classes", "Epochs", "Best val acc", "Test acc"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs listed, most recent first")
	return cmd
}

func runRow(run *history.Run) []string {
	duration := "-"
	if !run.FinishedAt.IsZero() {
		duration = commandline.FormatDuration(run.FinishedAt.Sub(run.StartedAt))
	}
	return []string{
		run.ID,
		string(run.Status),
		humanize.Time(run.StartedAt),
		duration,
		strconv.Itoa(run.NumClasses),
		strconv.Itoa(run.Epochs),
		formatAccuracy(run.BestValAccuracy),
		formatAccuracy(run.TestAccuracy),
	}
}

func formatAccuracy(acc float64) string {
	if acc == 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f", acc)
}

func printRunEpochs(cmd *cobra.Command, registry *history.Registry, runID string) error {
	run, err := registry.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	epochs, err := registry.Epochs(cmd.Context(), runID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Run %s: %s, started %s\n", run.ID, run.Status, humanize.Time(run.StartedAt))
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	rows := make([][]string, 0, len(epochs))
	for _, e := range epochs {
		rows = append(rows, []string{
			strconv.Itoa(e.Epoch+1),
			string(e.Phase),
			fmt.Sprintf("%.4f", e.Loss),
			fmt.Sprintf("%.4f", e.Accuracy),
			fmt.Sprintf("%.4f", e.ValLoss),
			fmt.Sprintf("%.4f", e.ValAccuracy),
			fmt.Sprintf("%.2g", e.LearningRate),
		})
	}
	_, _ = fmt.Fprintln(out, renderTable(
		[]string{"Epoch", "Phase", "Loss", "Acc", "Val loss", "Val acc", "LR"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight}))
	return nil
}
