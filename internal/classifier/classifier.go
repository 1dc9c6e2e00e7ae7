// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier builds the crop disease model: a MobileNetV2 backbone, global average pooling and a
// dense head, plus the loss and metrics used to train and evaluate it.
//
// The model is configured by hyperparameters in the context, see CreateContext.
package classifier

import (
	"github.com/cropdoc/cropdisease/internal/mobilenet"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// ParamNumClasses is the width of the output layer. Required.
	ParamNumClasses = "num_classes"

	// ParamPretrainedDir is the directory with the unpacked backbone weights. If empty the backbone is
	// initialized randomly.
	ParamPretrainedDir = "pretrained_weights_dir"

	// ParamTrainableLayers is the number of trailing backbone layers that are trained.
	// 0 freezes the backbone, and a negative value trains all of it.
	ParamTrainableLayers = "backbone_trainable_layers"

	// ParamHidden1, ParamHidden2 are the sizes of the two hidden dense layers of the head.
	ParamHidden1 = "head_hidden_1"
	ParamHidden2 = "head_hidden_2"

	// ParamDropout1, ParamDropout2 are the dropout rates after each hidden layer.
	ParamDropout1 = "head_dropout_1"
	ParamDropout2 = "head_dropout_2"

	// ModelScope is the scope of all model variables.
	ModelScope = "model"

	// LossShortName and AccuracyShortName identify the metrics returned by Metrics.
	LossShortName     = "#eloss"
	AccuracyShortName = "#acc"
)

// CreateContext returns a context with the default hyperparameters for a model with numClasses outputs.
func CreateContext(numClasses int) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumClasses:      numClasses,
		ParamPretrainedDir:   "",
		ParamTrainableLayers: 0,
		ParamHidden1:         512,
		ParamHidden2:         256,
		ParamDropout1:        0.5,
		ParamDropout2:        0.3,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,
	})
	return ctx
}

// ModelGraph implements train.ModelFn. It takes one input, the normalized images shaped
// [batch_size, height, width, 3], and returns the logits shaped [batch_size, num_classes].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In(ModelScope)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses < 1 {
		exceptions.Panicf("classifier: hyperparameter %q must be set to the number of classes, got %d",
			ParamNumClasses, numClasses)
	}
	backbone := mobilenet.New(ctx, inputs[0]).
		PretrainedWeights(context.GetParamOr(ctx, ParamPretrainedDir, "")).
		TrainableLayers(context.GetParamOr(ctx, ParamTrainableLayers, 0))
	features := backbone.Done()

	// Global average pooling: [batch_size, h, w, channels] -> [batch_size, channels].
	x := ReduceMean(features, 1, 2)
	x = denseWithDropout(ctx.In("dense_1"), x, context.GetParamOr(ctx, ParamHidden1, 512),
		context.GetParamOr(ctx, ParamDropout1, 0.5))
	x = denseWithDropout(ctx.In("dense_2"), x, context.GetParamOr(ctx, ParamHidden2, 256),
		context.GetParamOr(ctx, ParamDropout2, 0.3))
	logits := layers.DenseWithBias(ctx.In("predictions"), x, numClasses)
	return []*Node{logits}
}

func denseWithDropout(ctx *context.Context, x *Node, dim int, dropoutRate float64) *Node {
	x = layers.DenseWithBias(ctx, x, dim)
	x = activations.Relu(x)
	if dropoutRate > 0 {
		x = layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), dropoutRate))
	}
	return x
}

// Probabilities returns the softmax of the model logits, shaped [batch_size, num_classes].
func Probabilities(ctx *context.Context, images *Node) *Node {
	logits := ModelGraph(ctx, nil, []*Node{images})[0]
	return Softmax(logits, -1)
}

// Loss implements train.LossFn: mean categorical cross-entropy, from the one-hot labels and the logits.
func Loss(labels, predictions []*Node) *Node {
	return ReduceAllMean(losses.CategoricalCrossEntropyLogits(labels, predictions))
}

// Accuracy returns the fraction of examples where the largest logit is the labeled class.
func Accuracy(labels, predictions []*Node) *Node {
	logits, oneHot := predictions[0], labels[0]
	correct := Equal(ArgMax(logits, -1), ArgMax(oneHot, -1))
	return ReduceAllMean(ConvertDType(correct, logits.DType()))
}

// Metrics returns new mean loss and mean accuracy metrics, identified by LossShortName and AccuracyShortName.
// Each train.Trainer metrics list needs its own instances.
func Metrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewMeanMetric("Mean Loss", LossShortName, metrics.LossMetricType,
			func(_ *context.Context, labels, predictions []*Node) *Node { return Loss(labels, predictions) }, nil),
		metrics.NewMeanMetric("Mean Accuracy", AccuracyShortName, metrics.AccuracyMetricType,
			func(_ *context.Context, labels, predictions []*Node) *Node { return Accuracy(labels, predictions) }, nil),
	}
}
