// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/cropdoc/cropdisease/internal/inference"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	fileStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	rankStyle  = lipgloss.NewStyle().Faint(true)
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// barWidth is the width of the confidence bar of a 100% prediction.
const barWidth = 20

func newPredictCommand(cc *commandContext) *cobra.Command {
	var modelPath, vocabPath string
	var topK int
	var watch bool
	cmd := &cobra.Command{
		Use:   "predict IMAGE...",
		Short: "Classify leaf images",
		Long: "Prints the predicted class of each image, its confidence and the most probable classes.\n" +
			"With --watch, image paths are read from the standard input, one per line, and the model is " +
			"reloaded whenever it is saved again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("top") {
				topK = cfg.Inference.TopK
			}
			if !cmd.Flags().Changed("watch") {
				watch = cfg.Inference.Watch
			}
			if len(args) == 0 && !watch {
				return errors.New("no images given")
			}
			backend, err := newBackend()
			if err != nil {
				return err
			}
			defer backend.Finalize()
			server, err := inference.NewServer(backend, valueOr(modelPath, cfg.ModelPath()),
				valueOr(vocabPath, cfg.VocabularyPath()))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, imagePath := range args {
				if err := predictOne(out, server.Current(), imagePath, topK); err != nil {
					return err
				}
			}
			if !watch {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				if err := server.Watch(ctx); err != nil {
					klog.Errorf("Model watcher stopped: %+v", err)
				}
			}()
			return predictStream(ctx, cmd.InOrStdin(), out, server, topK)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&modelPath, "model", "", "Saved model (defaults to the one under the models directory)")
	flags.StringVar(&vocabPath, "vocab", "", "Class names file (defaults to the one under the models directory)")
	flags.IntVar(&topK, "top", inference.DefaultTopK, "Number of most probable classes to list")
	flags.BoolVar(&watch, "watch", false, "Read image paths from stdin and reload the model when it changes")
	return cmd
}

// predictStream classifies the images listed in r, one path per line, until r ends or ctx is done.
// Images that fail are reported and skipped.
func predictStream(ctx context.Context, r io.Reader, out io.Writer, server *inference.Server, topK int) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		imagePath := strings.TrimSpace(scanner.Text())
		if imagePath == "" {
			continue
		}
		if err := predictOne(out, server.Current(), imagePath, topK); err != nil {
			klog.Errorf("%v", err)
		}
	}
	return errors.Wrap(scanner.Err(), "failed to read image paths")
}

func predictOne(out io.Writer, h *inference.Handle, imagePath string, topK int) error {
	p, err := h.PredictFile(imagePath, topK)
	if err != nil {
		return errors.WithMessagef(err, "failed to classify %q", imagePath)
	}
	_, _ = fmt.Fprintln(out, fileStyle.Render(imagePath))
	_, _ = fmt.Fprintf(out, "Predicted class: %s\n", labelStyle.Render(p.Label))
	_, _ = fmt.Fprintf(out, "Confidence: %.4f\n", p.Confidence)
	_, _ = fmt.Fprintf(out, "Top %d predictions:\n", len(p.TopK))
	for rank, scored := range p.TopK {
		bar := strings.Repeat("█", int(scored.Confidence*barWidth+0.5))
		_, _ = fmt.Fprintf(out, "  %s %s: %.4f %s\n", rankStyle.Render(fmt.Sprintf("%d.", rank+1)),
			scored.Label, scored.Confidence, barStyle.Render(bar))
	}
	return nil
}
