// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluate measures a saved model on a split of the processed dataset: loss, accuracy,
// per-class precision, recall and F1, and the confusion matrix, also drawn as a heatmap.
package evaluate

import (
	stdctx "context"
	"io"
	"math"

	"github.com/cropdoc/cropdisease/internal/inference"
	"github.com/cropdoc/cropdisease/internal/loader"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options for Run.
type Options struct {
	ModelPath, VocabularyPath string

	// Dir is the split directory to evaluate, with one sub-directory per class.
	Dir string

	BatchSize   int
	Parallelism int

	// ConfusionMatrixPath, if set, is where the confusion matrix heatmap is saved.
	ConfusionMatrixPath string
}

// probabilityFloor clips probabilities before the logarithm of the loss.
const probabilityFloor = 1e-7

// Run loads the model and evaluates it on all images of opts.Dir.
// The model input size and normalization are taken from the saved model.
func Run(ctx stdctx.Context, backend backends.Backend, opts Options) (*Report, error) {
	h, err := inference.Load(backend, opts.ModelPath, opts.VocabularyPath)
	if err != nil {
		return nil, err
	}
	return Handle(ctx, h, opts)
}

// Handle evaluates an already loaded model on all images of opts.Dir. The model paths in opts are ignored.
func Handle(ctx stdctx.Context, h *inference.Handle, opts Options) (*Report, error) {
	loaderOpts := loader.EvalOptions(max(opts.BatchSize, 1), h.Normalization())
	loaderOpts.ImageSize = h.ImageSize()
	loaderOpts.Parallelism = opts.Parallelism
	loaderOpts.Vocabulary = h.Vocabulary()
	ds, err := loader.New("evaluation", opts.Dir, loaderOpts)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Evaluating %d images of %q", ds.NumSamples(), opts.Dir)

	yTrue := make([]int, 0, ds.NumSamples())
	yPred := make([]int, 0, ds.NumSamples())
	var lossSum float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "evaluation canceled")
		}
		images, labels, err := ds.YieldImages()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		probs, err := h.Probabilities(images)
		if err != nil {
			return nil, err
		}
		for ii, label := range labels {
			yTrue = append(yTrue, label)
			yPred = append(yPred, inference.TopK(probs[ii], 1)[0])
			lossSum -= math.Log(max(float64(probs[ii][label]), probabilityFloor))
		}
	}

	report, err := FromPredictions(h.Vocabulary(), yTrue, yPred)
	if err != nil {
		return nil, err
	}
	report.Loss = lossSum / float64(len(yTrue))
	if opts.ConfusionMatrixPath != "" {
		if err := report.SaveConfusionMatrix(opts.ConfusionMatrixPath); err != nil {
			return nil, err
		}
		klog.Infof("Confusion matrix saved to %q", opts.ConfusionMatrixPath)
	}
	return report, nil
}
