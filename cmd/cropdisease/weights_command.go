// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/cropdoc/cropdisease/internal/pretrained"
	"github.com/spf13/cobra"
)

func newWeightsCommand(cc *commandContext) *cobra.Command {
	var checksum string
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Download and unpack the ImageNet MobileNetV2 weights",
		Long: "Downloads the Keras MobileNetV2 weights (no top) into paths.weights_dir and unpacks them " +
			"to tensors. Unpacking requires the h5dump tool. Training downloads them on demand as well.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if err := pretrained.DownloadAndUnpack(cfg.Paths.WeightsDir, checksum, isTerminal(os.Stdout)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Weights available in %s\n", pretrained.UnpackedDir(cfg.Paths.WeightsDir))
			return nil
		},
	}
	cmd.Flags().StringVar(&checksum, "sha256", "", "Expected SHA-256 of the downloaded file, hex encoded")
	return cmd
}
