// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/pkg/errors"
)

// Normalizations accepted in Data.Normalization.
var Normalizations = []string{"rescale", "mobilenet"}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateData(); err != nil {
		return err
	}
	if err := c.validateAugment(); err != nil {
		return err
	}
	if err := c.validateTrain(); err != nil {
		return err
	}
	if c.Inference.TopK < 1 {
		return errors.Errorf("inference.top_k must be >= 1, got %d", c.Inference.TopK)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.ProcessedDir == "" {
		return errors.New("paths.processed_dir must be set")
	}
	if c.Paths.ModelsDir == "" {
		return errors.New("paths.models_dir must be set")
	}
	return nil
}

func (c *Config) validateData() error {
	d := c.Data
	if d.ImageSize <= 0 {
		return errors.Errorf("data.image_size must be positive, got %d", d.ImageSize)
	}
	if d.TrainFraction <= 0 || d.TrainFraction >= 1 {
		return errors.Errorf("data.train_fraction must be in (0, 1), got %g", d.TrainFraction)
	}
	if d.JPEGQuality < 1 || d.JPEGQuality > 100 {
		return errors.Errorf("data.jpeg_quality must be in [1, 100], got %d", d.JPEGQuality)
	}
	if d.Parallelism < 0 {
		return errors.Errorf("data.parallelism must be >= 0, got %d", d.Parallelism)
	}
	for _, n := range Normalizations {
		if d.Normalization == n {
			return nil
		}
	}
	return errors.Errorf("data.normalization must be one of %q, got %q", Normalizations, d.Normalization)
}

func (c *Config) validateAugment() error {
	a := c.Augment
	if a.RotationDegrees < 0 || a.RotationDegrees > 180 {
		return errors.Errorf("augment.rotation_degrees must be in [0, 180], got %g", a.RotationDegrees)
	}
	for name, v := range map[string]float64{
		"augment.width_shift":  a.WidthShift,
		"augment.height_shift": a.HeightShift,
		"augment.shear":        a.Shear,
		"augment.zoom":         a.Zoom,
	} {
		if v < 0 || v >= 1 {
			return errors.Errorf("%s must be in [0, 1), got %g", name, v)
		}
	}
	return nil
}

func (c *Config) validateTrain() error {
	t := c.Train
	if t.Epochs < 1 {
		return errors.Errorf("train.epochs must be >= 1, got %d", t.Epochs)
	}
	if t.InitialEpochs < 1 {
		return errors.Errorf("train.initial_epochs must be >= 1, got %d", t.InitialEpochs)
	}
	if t.BatchSize < 1 {
		return errors.Errorf("train.batch_size must be >= 1, got %d", t.BatchSize)
	}
	if t.FineTuneLayers < 0 {
		return errors.Errorf("train.fine_tune_layers must be >= 0, got %d", t.FineTuneLayers)
	}
	if t.LearningRate <= 0 || t.FineTuneLearningRate <= 0 {
		return errors.Errorf("learning rates must be positive, got %g and %g", t.LearningRate, t.FineTuneLearningRate)
	}
	if t.EarlyStoppingPatience < 1 || t.ReduceLRPatience < 1 {
		return errors.Errorf("patience values must be >= 1, got early_stopping=%d and reduce_lr=%d",
			t.EarlyStoppingPatience, t.ReduceLRPatience)
	}
	if t.ReduceLRFactor <= 0 || t.ReduceLRFactor >= 1 {
		return errors.Errorf("train.reduce_lr_factor must be in (0, 1), got %g", t.ReduceLRFactor)
	}
	if t.MinLearningRate < 0 {
		return errors.Errorf("train.min_learning_rate must be >= 0, got %g", t.MinLearningRate)
	}
	return nil
}
