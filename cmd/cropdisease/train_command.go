// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cropdoc/cropdisease/internal/history"
	"github.com/cropdoc/cropdisease/internal/orchestrator"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTrainCommand(cc *commandContext) *cobra.Command {
	var (
		epochs, batchSize int
		fineTune          bool
		settings          string
		noRegistry        bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier and save it",
		Long: "Trains the classification head with the backbone frozen, then fine-tunes the last backbone " +
			"layers. The model and class names are saved under the models directory. " +
			"Interrupting (Ctrl+C) stops at the end of the current epoch, keeping the last checkpoint.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			params := orchestrator.NewContext(cfg)
			flags := cmd.Flags()
			if flags.Changed("epochs") {
				params.SetParam(orchestrator.ParamEpochs, epochs)
			}
			if flags.Changed("batch-size") {
				params.SetParam(orchestrator.ParamBatchSize, batchSize)
			}
			if flags.Changed("fine-tune") {
				params.SetParam(orchestrator.ParamFineTune, fineTune)
			}
			paramsSet, err := commandline.ParseContextSettings(params, settings)
			if err != nil {
				return err
			}
			if len(paramsSet) > 0 {
				klog.Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(params, paramsSet))
			}
			klog.V(1).Infof("Hyperparameters:\n%s", commandline.SprintContextSettings(params))

			backend, err := newBackend()
			if err != nil {
				return err
			}
			defer backend.Finalize()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			start := time.Now()
			result, err := orchestrator.Run(ctx, cfg, orchestrator.Options{
				Backend:         backend,
				Params:          params,
				ProgressBar:     cfg.Train.ProgressBar && isTerminal(os.Stdout),
				DisableRegistry: noRegistry,
			})
			if result != nil {
				printTrainResult(cmd, result, time.Since(start))
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&epochs, "epochs", 30, "Total number of epochs, over both phases")
	flags.IntVar(&batchSize, "batch-size", 32, "Batch size")
	flags.BoolVar(&fineTune, "fine-tune", true, "Fine-tune the last backbone layers after the first phase")
	flags.StringVar(&settings, "set", "",
		`Hyperparameters to override, as "param1=value1;param2=value2". E.g.: "initial_epochs=5;fine_tune_layers=40"`)
	flags.BoolVar(&noRegistry, "no-registry", false, "Don't record the run in the runs registry")
	return cmd
}

func printTrainResult(cmd *cobra.Command, result *orchestrator.Result, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Run %s: %s after %d epochs in %s\n", result.RunID, result.State,
		len(result.History), commandline.FormatDuration(elapsed))
	for _, phase := range []history.Phase{history.HeadOnly, history.FineTuning} {
		if result.StoppedEarly[phase] {
			_, _ = fmt.Fprintf(out, "  %s phase stopped early\n", phase)
		}
	}
	if result.State != orchestrator.Saved {
		return
	}
	_, _ = fmt.Fprintf(out, "Best validation accuracy: %.4f\n", result.BestValAccuracy)
	_, _ = fmt.Fprintf(out, "Test loss: %.4f\n", result.TestLoss)
	_, _ = fmt.Fprintf(out, "Test accuracy: %.4f\n", result.TestAccuracy)
	size := ""
	if info, err := os.Stat(result.ModelPath); err == nil {
		size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
	}
	_, _ = fmt.Fprintf(out, "Model saved to %s%s\n", result.ModelPath, size)
	_, _ = fmt.Fprintf(out, "Class names saved to %s\n", result.VocabularyPath)
}

