// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package loader implements train.Dataset over a processed split directory: one sub-directory per
// class, named after the class, holding the images.
//
// It yields batches of normalized images shaped [batch_size, height, width, 3] (float32) and
// one-hot labels shaped [batch_size, num_classes] (float32). For training, it loops forever,
// reshuffling and augmenting the images on every pass. For evaluation, it makes one deterministic
// pass and then returns io.EOF.
package loader

import (
	"image"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/cropdoc/cropdisease/internal/augment"
	"github.com/cropdoc/cropdisease/internal/imageutil"
	"github.com/cropdoc/cropdisease/internal/partition"
	"github.com/cropdoc/cropdisease/internal/vocab"
	"github.com/cropdoc/cropdisease/internal/workerspool"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Sample is one image of the dataset.
type Sample struct {
	Path  string
	Label int
}

// Options configures a Dataset. See TrainOptions and EvalOptions for the usual configurations.
type Options struct {
	BatchSize int

	// Infinite datasets loop over the samples forever. Otherwise, Yield returns io.EOF after one pass.
	Infinite bool

	// Shuffle the samples on each pass, using Seed.
	Shuffle bool
	Seed    int64

	// Augment parameters. The zero value disables augmentation.
	Augment augment.Params

	Normalization imageutil.Normalization
	ImageSize     int

	// Parallelism is the number of images loaded concurrently for each batch. If 0, it uses runtime.NumCPU().
	Parallelism int

	// Vocabulary, if given, must match the sub-directories of the split. If nil, it is discovered
	// from the split's sub-directories.
	Vocabulary *vocab.Vocabulary
}

// TrainOptions returns the options for the training split: infinite, shuffled and augmented.
func TrainOptions(batchSize int, augmentation augment.Params, normalization imageutil.Normalization, seed int64) Options {
	return Options{
		BatchSize:     batchSize,
		Infinite:      true,
		Shuffle:       true,
		Seed:          seed,
		Augment:       augmentation,
		Normalization: normalization,
		ImageSize:     imageutil.DefaultSize,
	}
}

// EvalOptions returns the options for validation and test splits: one ordered pass, no augmentation.
func EvalOptions(batchSize int, normalization imageutil.Normalization) Options {
	return Options{
		BatchSize:     batchSize,
		Normalization: normalization,
		ImageSize:     imageutil.DefaultSize,
	}
}

// Dataset implements train.Dataset for a split directory.
type Dataset struct {
	name, dir string
	opts      Options
	vocab     *vocab.Vocabulary
	samples   []Sample
	pool      *workerspool.Pool

	// mu protects the fields below.
	mu    sync.Mutex
	order []int
	pos   int
	rng   *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a Dataset with the images under dir.
func New(name, dir string, opts Options) (*Dataset, error) {
	if opts.BatchSize < 1 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", name, opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = imageutil.DefaultSize
	}
	if opts.Normalization == "" {
		opts.Normalization = imageutil.Rescale
	}
	discovered, err := vocab.Discover(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	if opts.Vocabulary != nil && !opts.Vocabulary.Equal(discovered) {
		return nil, errors.Errorf("dataset %q: classes in %q are %s, but the vocabulary is %s",
			name, dir, discovered, opts.Vocabulary)
	}
	ds := &Dataset{
		name:  name,
		dir:   dir,
		opts:  opts,
		vocab: discovered,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		pool:  workerspool.New(opts.Parallelism),
	}
	for label, className := range discovered.Names() {
		files, err := partition.ClassImages(filepath.Join(dir, className))
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", name)
		}
		for _, file := range files {
			ds.samples = append(ds.samples, Sample{Path: filepath.Join(dir, className, file), Label: label})
		}
	}
	if len(ds.samples) == 0 {
		return nil, errors.Errorf("dataset %q: no images found in %q", name, dir)
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Vocabulary of the dataset, the sorted class sub-directories.
func (ds *Dataset) Vocabulary() *vocab.Vocabulary { return ds.vocab }

// Samples returns the samples in directory order (by label, then file name).
func (ds *Dataset) Samples() []Sample { return ds.samples }

// NumSamples in one pass over the data.
func (ds *Dataset) NumSamples() int { return len(ds.samples) }

// StepsPerEpoch is the number of batches in one pass over the data. The last one may be partial.
func (ds *Dataset) StepsPerEpoch() int {
	return (len(ds.samples) + ds.opts.BatchSize - 1) / ds.opts.BatchSize
}

// Reset implements train.Dataset. It restarts the pass, and reshuffles if configured to.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.newPassLocked()
}

func (ds *Dataset) newPassLocked() {
	if ds.order == nil {
		ds.order = make([]int, len(ds.samples))
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.opts.Shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
	ds.pos = 0
}

// nextBatch selects the samples of the next batch and draws their augmentation.
// Batches never span two passes over the data.
func (ds *Dataset) nextBatch() (samples []Sample, transforms []augment.Transform, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.pos >= len(ds.order) {
		if !ds.opts.Infinite {
			return nil, nil, io.EOF
		}
		ds.newPassLocked()
	}
	end := min(ds.pos+ds.opts.BatchSize, len(ds.order))
	samples = make([]Sample, 0, end-ds.pos)
	transforms = make([]augment.Transform, 0, end-ds.pos)
	for _, idx := range ds.order[ds.pos:end] {
		samples = append(samples, ds.samples[idx])
		if ds.opts.Augment.Enabled() {
			transforms = append(transforms, ds.opts.Augment.Random(ds.rng, ds.opts.ImageSize, ds.opts.ImageSize))
		} else {
			transforms = append(transforms, augment.Identity)
		}
	}
	ds.pos = end
	return
}

// YieldImages returns the next batch of images (resized and augmented) and their labels.
// These are the images before normalization, useful for display. See Yield for tensors.
func (ds *Dataset) YieldImages() (images []image.Image, labels []int, err error) {
	samples, transforms, err := ds.nextBatch()
	if err != nil {
		return nil, nil, err
	}
	images = make([]image.Image, len(samples))
	labels = make([]int, len(samples))
	err = ds.pool.ForEach(len(samples), func(ii int) error {
		labels[ii] = samples[ii].Label
		img, err := imageutil.LoadResized(samples[ii].Path, ds.opts.ImageSize)
		if err != nil {
			return err
		}
		if !transforms[ii].IsIdentity() {
			img = transforms[ii].Apply(img)
		}
		images[ii] = img
		return nil
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return images, labels, nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself.
//   - inputs: one tensor with the normalized images, shaped [batch_size, height, width, 3].
//   - labels: one tensor with the one-hot labels, shaped [batch_size, num_classes].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, classes, err := ds.YieldImages()
	if err != nil {
		return nil, nil, nil, err
	}
	imagesT, err := ds.opts.Normalization.Batch(images)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{imagesT}
	labels = []*tensors.Tensor{OneHot(classes, ds.vocab.Len())}
	return ds, inputs, labels, nil
}

// OneHot encodes the labels as a float32 tensor shaped [len(labels), numClasses].
func OneHot(labels []int, numClasses int) *tensors.Tensor {
	flat := make([]float32, len(labels)*numClasses)
	for ii, label := range labels {
		flat[ii*numClasses+label] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, len(labels), numClasses)
}
