// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/cropdoc/cropdisease/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newInitConfigCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:         "init-config [PATH]",
		Short:       "Write a sample configuration file with the defaults",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := config.DefaultFileName
			if len(args) == 1 {
				filePath = args[0]
			}
			if _, err := os.Stat(filePath); err == nil && !force {
				return errors.Errorf("%q already exists, use --force to overwrite it", filePath)
			}
			if err := config.CreateSample(filePath); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", filePath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
