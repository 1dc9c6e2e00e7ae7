// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// cropdisease trains and serves a crop leaf disease classifier.
//
// Usage:
//
//	cropdisease partition            # Split data/raw into data/processed/{train,val,test}.
//	cropdisease train --epochs=30    # Train and save the model under models/.
//	cropdisease evaluate             # Evaluate the saved model on the test split.
//	cropdisease predict leaf.jpg     # Classify one or more images.
//
// See `cropdisease --help` for all commands and flags.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cmd := newRootCommand()
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	err := cmd.Execute()
	klog.Flush()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			klog.Errorf("%+v", err)
			klog.Flush()
		}
		os.Exit(1)
	}
}
