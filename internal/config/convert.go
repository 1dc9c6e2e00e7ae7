// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/cropdoc/cropdisease/internal/augment"
	"github.com/cropdoc/cropdisease/internal/imageutil"
	"github.com/cropdoc/cropdisease/internal/partition"
)

// PartitionConfig returns the configuration of the dataset partitioning.
func (c *Config) PartitionConfig(progressBar bool) partition.Config {
	return partition.Config{
		RawDir:        c.Paths.RawDir,
		ProcessedDir:  c.Paths.ProcessedDir,
		ImageSize:     c.Data.ImageSize,
		TrainFraction: c.Data.TrainFraction,
		Seed:          c.Data.Seed,
		JPEGQuality:   c.Data.JPEGQuality,
		Parallelism:   c.Data.Parallelism,
		ProgressBar:   progressBar,
	}
}

// AugmentParams returns the random transformations applied to training images.
func (c *Config) AugmentParams() augment.Params {
	return augment.Params{
		RotationDegrees: c.Augment.RotationDegrees,
		WidthShift:      c.Augment.WidthShift,
		HeightShift:     c.Augment.HeightShift,
		Shear:           c.Augment.Shear,
		Zoom:            c.Augment.Zoom,
		HorizontalFlip:  c.Augment.HorizontalFlip,
	}
}

// Normalization returns the pixel normalization used for training.
func (c *Config) Normalization() (imageutil.Normalization, error) {
	return imageutil.ParseNormalization(c.Data.Normalization)
}
