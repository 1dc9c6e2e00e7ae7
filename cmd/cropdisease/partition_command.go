// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cropdoc/cropdisease/internal/partition"
	"github.com/spf13/cobra"
)

func newPartitionCommand(cc *commandContext) *cobra.Command {
	var rawDir, processedDir string
	var seed int64
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Split the raw images into train, validation and test directories",
		Long: "Reads one sub-directory per class from the raw directory, resizes the images and writes " +
			"them to {train,val,test}/<class> under the processed directory (70/15/15 by default).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if rawDir != "" {
				cfg.Paths.RawDir = rawDir
			}
			if processedDir != "" {
				cfg.Paths.ProcessedDir = processedDir
			}
			if cmd.Flags().Changed("seed") {
				cfg.Data.Seed = seed
			}
			report, err := partition.Partition(cfg.PartitionConfig(isTerminal(os.Stdout)))
			if err != nil {
				return err
			}

			rows := make([][]string, 0, report.Vocabulary.Len()+1)
			for classIdx, name := range report.Vocabulary.Names() {
				counts := report.PerClass[classIdx]
				rows = append(rows, countsRow(name, counts))
			}
			rows = append(rows, countsRow("total", report.Totals()))
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, renderTable(
				[]string{"Class", "Train", "Val", "Test", "Total"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight}))
			if len(report.Skipped) > 0 {
				_, _ = fmt.Fprintf(out, "Skipped %d unreadable images.\n", len(report.Skipped))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawDir, "raw", "", "Directory with one sub-directory of images per class (overrides paths.raw_dir)")
	cmd.Flags().StringVar(&processedDir, "processed", "", "Output directory (overrides paths.processed_dir)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Seed of the split (overrides data.seed)")
	return cmd
}

func countsRow(name string, counts partition.Counts) []string {
	return []string{
		name,
		strconv.Itoa(counts[partition.Train]),
		strconv.Itoa(counts[partition.Validation]),
		strconv.Itoa(counts[partition.Test]),
		strconv.Itoa(counts.Total()),
	}
}
