// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package inference classifies leaf images with a saved model.
//
// Load reads the model artifact and its vocabulary, checks they match, and compiles the model.
// The returned Handle can be used concurrently. Server holds the current Handle of a long running
// process, and replaces it when the files change on disk.
package inference

import (
	"image"
	"sync"

	"github.com/cropdoc/cropdisease/internal/artifact"
	"github.com/cropdoc/cropdisease/internal/classifier"
	"github.com/cropdoc/cropdisease/internal/imageutil"
	"github.com/cropdoc/cropdisease/internal/vocab"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTopK is the number of ranked classes returned by default.
const DefaultTopK = 3

// ErrVocabularyMismatch is returned when the vocabulary doesn't match the model outputs.
var ErrVocabularyMismatch = errors.New("vocabulary doesn't match the model")

// Handle holds a loaded model, ready to classify images.
type Handle struct {
	header        artifact.Header
	vocabulary    *vocab.Vocabulary
	normalization imageutil.Normalization
	modelPath     string

	// mu serializes executions: the compiled graph is shared.
	mu   sync.Mutex
	exec *context.Exec
}

// Load the model saved in modelPath, with the class names in vocabPath.
func Load(backend backends.Backend, modelPath, vocabPath string) (*Handle, error) {
	a, err := artifact.Load(modelPath)
	if err != nil {
		return nil, err
	}
	vocabulary, err := vocab.Read(vocabPath)
	if err != nil {
		return nil, err
	}
	if err := CheckVocabulary(&a.Header, vocabulary); err != nil {
		return nil, errors.WithMessagef(err, "model %q and vocabulary %q", modelPath, vocabPath)
	}
	normalization, err := imageutil.ParseNormalization(a.Header.Normalization)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", modelPath)
	}
	if a.Header.ImageSize <= 0 {
		return nil, errors.Errorf("model %q has invalid image size %d", modelPath, a.Header.ImageSize)
	}

	ctx := classifier.CreateContext(a.Header.NumClasses)
	ctx.SetLoader(a)
	// Every variable must come from the artifact.
	ctx = ctx.Reuse()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return classifier.Probabilities(ctx, images)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the model executor for %q", modelPath)
	}
	klog.V(1).Infof("Loaded model %q: %d classes, %dx%d images, %s normalization, saved after epoch %d",
		modelPath, a.Header.NumClasses, a.Header.ImageSize, a.Header.ImageSize, normalization, a.Header.Epoch+1)
	return &Handle{
		header:        a.Header,
		vocabulary:    vocabulary,
		normalization: normalization,
		modelPath:     modelPath,
		exec:          exec,
	}, nil
}

// CheckVocabulary returns an error if the vocabulary can't label the outputs of the model described
// by header. Models saved without a vocabulary hash are only checked by size.
func CheckVocabulary(header *artifact.Header, vocabulary *vocab.Vocabulary) error {
	if vocabulary.Len() != header.NumClasses {
		return errors.Wrapf(ErrVocabularyMismatch, "%d class names for %d model outputs",
			vocabulary.Len(), header.NumClasses)
	}
	if header.VocabularyHash == "" {
		klog.Warningf("Model has no vocabulary hash, the class names order can't be verified")
		return nil
	}
	if hash := vocabulary.Hash(); hash != header.VocabularyHash {
		return errors.Wrapf(ErrVocabularyMismatch, "class names hash %s, model trained with %s",
			hash, header.VocabularyHash)
	}
	return nil
}

// Header of the loaded model.
func (h *Handle) Header() artifact.Header { return h.header }

// Vocabulary maps the model outputs to class names.
func (h *Handle) Vocabulary() *vocab.Vocabulary { return h.vocabulary }

// Normalization of the pixel values used by the model.
func (h *Handle) Normalization() imageutil.Normalization { return h.normalization }

// ImageSize is the width and height of the model input.
func (h *Handle) ImageSize() int { return h.header.ImageSize }

// Scored is one class and its probability.
type Scored struct {
	Index      int
	Label      string
	Confidence float32
}

// Prediction for one image.
type Prediction struct {
	// Label and Confidence of the most probable class.
	Label      string
	Confidence float32

	// TopK most probable classes, in decreasing probability.
	TopK []Scored

	// Probabilities of all classes, in vocabulary order.
	Probabilities []float32
}

// Predict classifies img, returning the k most probable classes. The image is converted to RGB and
// resized to the model input size.
func (h *Handle) Predict(img image.Image, k int) (*Prediction, error) {
	rgb := imageutil.ToRGB(img)
	if b := rgb.Bounds(); b.Dx() != h.header.ImageSize || b.Dy() != h.header.ImageSize {
		rgb = imageutil.Resize(rgb, h.header.ImageSize)
	}
	probs, err := h.Probabilities([]image.Image{rgb})
	if err != nil {
		return nil, err
	}
	return h.prediction(probs[0], k), nil
}

// PredictFile loads the image in filePath and classifies it, see Predict.
func (h *Handle) PredictFile(filePath string, k int) (*Prediction, error) {
	img, err := imageutil.LoadResized(filePath, h.header.ImageSize)
	if err != nil {
		return nil, err
	}
	return h.Predict(img, k)
}

// Probabilities returns the class probabilities for a batch of images, already sized to ImageSize.
func (h *Handle) Probabilities(images []image.Image) ([][]float32, error) {
	input, err := h.normalization.Batch(images)
	if err != nil {
		return nil, err
	}
	var output *tensors.Tensor
	var execErr error
	h.mu.Lock()
	err = exceptions.TryCatch[error](func() { output, execErr = h.exec.Exec1(input) })
	h.mu.Unlock()
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to run model %q", h.modelPath)
	}
	flat := tensors.MustCopyFlatData[float32](output)
	numClasses := h.header.NumClasses
	probs := make([][]float32, len(images))
	for ii := range probs {
		probs[ii] = flat[ii*numClasses : (ii+1)*numClasses]
	}
	return probs, nil
}

func (h *Handle) prediction(probs []float32, k int) *Prediction {
	p := &Prediction{Probabilities: probs}
	for _, idx := range TopK(probs, k) {
		p.TopK = append(p.TopK, Scored{Index: idx, Label: h.vocabulary.Name(idx), Confidence: probs[idx]})
	}
	if best := TopK(probs, 1); len(best) > 0 {
		p.Label = h.vocabulary.Name(best[0])
		p.Confidence = probs[best[0]]
	}
	return p
}
