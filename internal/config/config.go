// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the cropdisease configuration from a TOML file.
//
// The file is optional: every field has a default (see Default), and the values found in the
// file override them. Training hyperparameters are later copied into the GoMLX context, where
// they can still be overridden with `--set` in the command line.
package config

import (
	_ "embed"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

//go:embed sample_config.toml
var sampleConfig string

// DefaultFileName is the configuration file looked up in the working directory when no path is given.
const DefaultFileName = "cropdisease.toml"

// Config holds all the configuration of the pipeline.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Data      Data      `toml:"data"`
	Augment   Augment   `toml:"augment"`
	Train     Train     `toml:"train"`
	Inference Inference `toml:"inference"`
}

// Paths of the inputs and outputs of the pipeline.
type Paths struct {
	// RawDir holds one sub-directory per class with the original images.
	RawDir string `toml:"raw_dir"`

	// ProcessedDir holds the partitioned tree: {train,val,test}/<class>/<file>.
	ProcessedDir string `toml:"processed_dir"`

	// ModelsDir holds the saved model, vocabulary, checkpoints, plots and the runs registry.
	ModelsDir string `toml:"models_dir"`

	// WeightsDir is where the pretrained backbone weights are downloaded and unpacked.
	WeightsDir string `toml:"weights_dir"`
}

// Data configures partitioning and image loading.
type Data struct {
	ImageSize     int     `toml:"image_size"`
	Seed          int64   `toml:"seed"`
	TrainFraction float64 `toml:"train_fraction"`
	JPEGQuality   int     `toml:"jpeg_quality"`
	Parallelism   int     `toml:"parallelism"`

	// Normalization of the pixel values: "rescale" ([0,1]) or "mobilenet" ([-1,1]).
	// It is recorded in the saved model, and inference always uses the recorded one.
	Normalization string `toml:"normalization"`
}

// Augment configures the random transformations applied to training images.
type Augment struct {
	RotationDegrees float64 `toml:"rotation_degrees"`
	WidthShift      float64 `toml:"width_shift"`
	HeightShift     float64 `toml:"height_shift"`
	Shear           float64 `toml:"shear"`
	Zoom            float64 `toml:"zoom"`
	HorizontalFlip  bool    `toml:"horizontal_flip"`
}

// Train configures the two training phases and their policies.
type Train struct {
	Epochs        int  `toml:"epochs"`
	InitialEpochs int  `toml:"initial_epochs"`
	BatchSize     int  `toml:"batch_size"`
	FineTune      bool `toml:"fine_tune"`

	// FineTuneLayers is the number of trailing backbone layers unfrozen in the fine-tuning phase.
	FineTuneLayers int `toml:"fine_tune_layers"`

	LearningRate         float64 `toml:"learning_rate"`
	FineTuneLearningRate float64 `toml:"fine_tune_learning_rate"`

	EarlyStoppingPatience int     `toml:"early_stopping_patience"`
	ReduceLRPatience      int     `toml:"reduce_lr_patience"`
	ReduceLRFactor        float64 `toml:"reduce_lr_factor"`
	MinLearningRate       float64 `toml:"min_learning_rate"`

	// Pretrained set to false trains the backbone from random initialization.
	Pretrained bool `toml:"pretrained"`

	// ProgressBar displays a progress bar during training, if stdout is a terminal.
	ProgressBar bool `toml:"progress_bar"`
}

// Inference configures prediction.
type Inference struct {
	TopK int `toml:"top_k"`

	// Watch reloads the model when the file changes on disk.
	Watch bool `toml:"watch"`
}

// Load reads the configuration from filePath.
//
// If filePath is empty, it looks for DefaultFileName in the current directory, and uses the defaults
// if it is not there. If filePath is given, it must exist.
// It returns the configuration and the path of the file read (empty if none).
func Load(filePath string) (*Config, string, error) {
	cfg := Default()
	explicit := filePath != ""
	if !explicit {
		filePath = DefaultFileName
	}
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, "", errors.WithMessagef(err, "invalid configuration path")
	}
	file, err := os.Open(filePath)
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", errors.Wrapf(err, "failed to parse configuration %q", filePath)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		filePath = ""
	default:
		return nil, "", errors.Wrapf(err, "failed to open configuration %q", filePath)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, filePath, nil
}

// normalize expands "~" in paths.
func (c *Config) normalize() error {
	for _, p := range []*string{&c.Paths.RawDir, &c.Paths.ProcessedDir, &c.Paths.ModelsDir, &c.Paths.WeightsDir} {
		expanded, err := fsutil.ReplaceTildeInDir(*p)
		if err != nil {
			return errors.WithMessagef(err, "invalid path %q in configuration", *p)
		}
		*p = expanded
	}
	return nil
}

// CreateSample writes a sample configuration file, with all the default values, to filePath.
func CreateSample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	if err := os.WriteFile(filePath, []byte(sampleConfig), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write sample configuration to %q", filePath)
	}
	return nil
}

// ModelPath is the final saved model.
func (c *Config) ModelPath() string {
	return filepath.Join(c.Paths.ModelsDir, "saved_models", "crop_disease_model.gomlx")
}

// VocabularyPath is the saved label vocabulary, one class name per line.
func (c *Config) VocabularyPath() string {
	return filepath.Join(c.Paths.ModelsDir, "saved_models", "class_names.txt")
}

// CheckpointPath is the best-so-far model saved during training.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.Paths.ModelsDir, "checkpoints", "model_best.gomlx")
}

// HistoryPlotPath is the plot of the training history.
func (c *Config) HistoryPlotPath() string {
	return filepath.Join(c.Paths.ModelsDir, "training_history.png")
}

// HistoryCSVPath is the training history in CSV format.
func (c *Config) HistoryCSVPath() string {
	return filepath.Join(c.Paths.ModelsDir, "training_history.csv")
}

// ConfusionMatrixPath is the rendered confusion matrix of the last evaluation.
func (c *Config) ConfusionMatrixPath() string {
	return filepath.Join(c.Paths.ModelsDir, "confusion_matrix.png")
}

// RunsDBPath is the SQLite database with the registry of training runs.
func (c *Config) RunsDBPath() string {
	return filepath.Join(c.Paths.ModelsDir, "runs.db")
}

// LockPath is the lock file held during training.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.ModelsDir, ".train.lock")
}

// SplitDir returns the directory of a split ("train", "val" or "test") of the processed data.
func (c *Config) SplitDir(split string) string {
	return filepath.Join(c.Paths.ProcessedDir, split)
}
