// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"github.com/cropdoc/cropdisease/internal/classifier"
	"github.com/cropdoc/cropdisease/internal/config"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Hyperparameters of the training, read from the context. NewContext sets them from the configuration,
// and they can be overridden with the command line `--set` flag.
const (
	ParamEpochs                = "epochs"
	ParamInitialEpochs         = "initial_epochs"
	ParamBatchSize             = "batch_size"
	ParamFineTune              = "fine_tune"
	ParamFineTuneLayers        = "fine_tune_layers"
	ParamFineTuneLearningRate  = "fine_tune_learning_rate"
	ParamEarlyStoppingPatience = "early_stopping_patience"
	ParamReduceLRPatience      = "reduce_lr_patience"
	ParamReduceLRFactor        = "reduce_lr_factor"
	ParamMinLearningRate       = "min_learning_rate"
)

// NewContext returns a context with the model and training hyperparameters taken from cfg.
// The number of classes is set by Run, once the dataset is known.
func NewContext(cfg *config.Config) *context.Context {
	ctx := classifier.CreateContext(0)
	t := cfg.Train
	ctx.SetParams(map[string]any{
		ParamEpochs:                t.Epochs,
		ParamInitialEpochs:         t.InitialEpochs,
		ParamBatchSize:             t.BatchSize,
		ParamFineTune:              t.FineTune,
		ParamFineTuneLayers:        t.FineTuneLayers,
		ParamFineTuneLearningRate:  t.FineTuneLearningRate,
		ParamEarlyStoppingPatience: t.EarlyStoppingPatience,
		ParamReduceLRPatience:      t.ReduceLRPatience,
		ParamReduceLRFactor:        t.ReduceLRFactor,
		ParamMinLearningRate:       t.MinLearningRate,

		optimizers.ParamLearningRate: t.LearningRate,
		context.ParamInitialSeed:     cfg.Data.Seed,
	})
	return ctx
}
