// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/cropdoc/cropdisease/internal/evaluate"
	"github.com/cropdoc/cropdisease/internal/partition"
	"github.com/spf13/cobra"
)

func newEvaluateCommand(cc *commandContext) *cobra.Command {
	var modelPath, vocabPath, testDir, matrixPath string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the saved model on the test split",
		Long: "Prints the loss, the accuracy and the per-class precision, recall and F1, and saves the " +
			"confusion matrix as a PNG image.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			opts := evaluate.Options{
				ModelPath:           valueOr(modelPath, cfg.ModelPath()),
				VocabularyPath:      valueOr(vocabPath, cfg.VocabularyPath()),
				Dir:                 valueOr(testDir, cfg.SplitDir(partition.Test.String())),
				BatchSize:           cfg.Train.BatchSize,
				Parallelism:         cfg.Data.Parallelism,
				ConfusionMatrixPath: valueOr(matrixPath, cfg.ConfusionMatrixPath()),
			}
			if cmd.Flags().Changed("batch-size") {
				opts.BatchSize = batchSize
			}
			backend, err := newBackend()
			if err != nil {
				return err
			}
			defer backend.Finalize()
			report, err := evaluate.Run(cmd.Context(), backend, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprint(out, report)
			_, _ = fmt.Fprintf(out, "Confusion matrix saved to %s\n", opts.ConfusionMatrixPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&modelPath, "model", "", "Saved model (defaults to the one under the models directory)")
	flags.StringVar(&vocabPath, "vocab", "", "Class names file (defaults to the one under the models directory)")
	flags.StringVar(&testDir, "test", "", "Directory of images to evaluate, one sub-directory per class (defaults to the test split)")
	flags.StringVar(&matrixPath, "confusion-matrix", "", "Output PNG of the confusion matrix")
	flags.IntVar(&batchSize, "batch-size", 32, "Batch size")
	return cmd
}

func valueOr(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
