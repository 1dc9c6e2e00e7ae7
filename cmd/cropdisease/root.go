// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cropdoc/cropdisease/internal/config"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	cc := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "cropdisease",
		Short:         "Crop leaf disease classifier: partition, train, evaluate and predict",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig(cmd) {
				return nil
			}
			_, err := cc.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Configuration file (TOML). Defaults to "+config.DefaultFileName+" in the current directory, if present")

	rootCmd.AddCommand(
		newPartitionCommand(cc),
		newTrainCommand(cc),
		newEvaluateCommand(cc),
		newPredictCommand(cc),
		newWeightsCommand(cc),
		newRunsCommand(cc),
		newInitConfigCommand(),
	)
	return rootCmd
}

// commandContext holds the state shared by the subcommands.
type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if path != "" {
			klog.V(1).Infof("Configuration read from %q", path)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// newBackend returns the default backend, configurable with GOMLX_BACKEND.
func newBackend() (backends.Backend, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the computation backend")
	}
	klog.V(1).Infof("Backend: %s", backend.Description())
	return backend, nil
}

// isTerminal reports whether w is a terminal, where progress bars and colors can be used.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

const skipConfigAnnotation = "skipConfigLoad"

func skipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}
