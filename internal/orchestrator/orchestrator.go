// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package orchestrator trains the crop disease classifier in two phases: first only the classification
// head, with the backbone frozen, then the head and the last layers of the backbone, with a lower
// learning rate.
//
// After each epoch it evaluates the validation split and applies, in order, the Checkpoint,
// EarlyStopping and ReduceLR policies (see package callbacks). At the end it saves the model and its
// vocabulary, evaluates the test split and writes the training history.
package orchestrator

import (
	stdctx "context"
	"fmt"
	"os"
	"time"

	"github.com/cropdoc/cropdisease/internal/artifact"
	"github.com/cropdoc/cropdisease/internal/callbacks"
	"github.com/cropdoc/cropdisease/internal/classifier"
	"github.com/cropdoc/cropdisease/internal/config"
	"github.com/cropdoc/cropdisease/internal/history"
	"github.com/cropdoc/cropdisease/internal/imageutil"
	"github.com/cropdoc/cropdisease/internal/loader"
	"github.com/cropdoc/cropdisease/internal/mobilenet"
	"github.com/cropdoc/cropdisease/internal/partition"
	"github.com/cropdoc/cropdisease/internal/pretrained"
	"github.com/cropdoc/cropdisease/internal/vocab"
	"github.com/gofrs/flock"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the training.
type State int

const (
	HeadOnlyTraining State = iota
	FineTuning
	Saved
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case HeadOnlyTraining:
		return "HeadOnlyTraining"
	case FineTuning:
		return "FineTuning"
	case Saved:
		return "Saved"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrTrainingInProgress is returned when another training holds the lock of the models directory.
	ErrTrainingInProgress = errors.New("another training is running on the same models directory")

	// ErrInterrupted is returned when the training is canceled. The last checkpoint is kept.
	ErrInterrupted = errors.New("training interrupted")
)

// Options for Run.
type Options struct {
	// Backend used to train. Required.
	Backend backends.Backend

	// Params holds the hyperparameters. If nil, NewContext(cfg) is used.
	// The model variables are created in it.
	Params *context.Context

	// ProgressBar displays progress bars while partitioning, downloading and training.
	ProgressBar bool

	// DisableRegistry skips recording the run in the runs registry.
	DisableRegistry bool
}

// Result of a training run.
type Result struct {
	RunID      string
	State      State
	Vocabulary *vocab.Vocabulary

	// History of both phases, as one continuous series.
	History history.History

	// StoppedEarly reports, per phase, whether EarlyStopping ended it and restored the best weights.
	StoppedEarly map[history.Phase]bool

	BestValAccuracy        float64
	TestLoss, TestAccuracy float64

	ModelPath, VocabularyPath, CheckpointPath string
}

// Run trains the model configured by cfg, and saves it.
//
// If the processed dataset doesn't exist it is first created from the raw images.
// Cancelling ctx stops the training at the end of the current epoch with ErrInterrupted.
func Run(ctx stdctx.Context, cfg *config.Config, opts Options) (result *Result, err error) {
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: a backend is required")
	}
	params := opts.Params
	if params == nil {
		params = NewContext(cfg)
	}

	if err := os.MkdirAll(cfg.Paths.ModelsDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create models directory %q", cfg.Paths.ModelsDir)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire training lock %q", cfg.LockPath())
	}
	if !locked {
		return nil, errors.Wrapf(ErrTrainingInProgress, "lock %q", cfg.LockPath())
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			klog.Warningf("Failed to release training lock %q: %v", cfg.LockPath(), unlockErr)
		}
	}()

	data, err := prepareData(cfg, params, opts.ProgressBar)
	if err != nil {
		return nil, err
	}
	if err := preparePretrained(cfg, params, opts.ProgressBar); err != nil {
		return nil, err
	}

	result = &Result{
		RunID:          uuid.NewString(),
		Vocabulary:     data.vocabulary,
		StoppedEarly:   make(map[history.Phase]bool),
		ModelPath:      cfg.ModelPath(),
		VocabularyPath: cfg.VocabularyPath(),
		CheckpointPath: cfg.CheckpointPath(),
	}
	klog.Infof("Training run %s: %d classes, %d training images, %d validation images", result.RunID,
		data.vocabulary.Len(), data.train.NumSamples(), data.validation.NumSamples())

	var registry *history.Registry
	if !opts.DisableRegistry {
		// The registry records the run also when ctx is canceled.
		registryCtx := stdctx.WithoutCancel(ctx)
		registry, err = history.OpenRegistry(registryCtx, cfg.RunsDBPath())
		if err != nil {
			return nil, err
		}
		defer func() { _ = registry.Close() }()
		err = registry.StartRun(registryCtx, history.Run{
			ID:         result.RunID,
			NumClasses: data.vocabulary.Len(),
			Epochs:     context.GetParamOr(params, ParamEpochs, 30),
			FineTune:   context.GetParamOr(params, ParamFineTune, true),
			ModelPath:  cfg.ModelPath(),
		})
		if err != nil {
			return nil, err
		}
		defer func() { finishRun(registry, result, err) }()
	}

	t := &trainingRun{
		cfg:        cfg,
		backend:    opts.Backend,
		params:     params,
		data:       data,
		runID:      result.RunID,
		registry:   registry,
		checkpoint: callbacks.NewCheckpoint(),
		progress:   opts.ProgressBar,
	}
	if err = t.run(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// finishRun records the outcome of the run in the registry. It uses a fresh context, so interrupted
// runs are also recorded.
func finishRun(registry *history.Registry, result *Result, runErr error) {
	run := history.Run{
		ID:           result.RunID,
		Status:       history.StatusCompleted,
		TestLoss:     result.TestLoss,
		TestAccuracy: result.TestAccuracy,
	}
	if best, ok := result.History.BestValAccuracy(); ok {
		run.BestValAccuracy = best.ValAccuracy
	}
	switch {
	case runErr == nil:
		run.ModelPath = result.ModelPath
	case errors.Is(runErr, ErrInterrupted):
		run.Status = history.StatusInterrupted
		run.Error = runErr.Error()
	default:
		run.Status = history.StatusFailed
		run.Error = runErr.Error()
	}
	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), 10*time.Second)
	defer cancel()
	if err := registry.FinishRun(ctx, run); err != nil {
		klog.Warningf("Failed to record the end of run %s: %v", result.RunID, err)
	}
}

// datasets used by the training.
type datasets struct {
	vocabulary              *vocab.Vocabulary
	normalization           imageutil.Normalization
	train, validation, test *loader.Dataset
}

// prepareData partitions the raw images if the processed dataset is missing, and creates the datasets.
func prepareData(cfg *config.Config, params *context.Context, progressBar bool) (*datasets, error) {
	if !partition.Exists(cfg.Paths.ProcessedDir) {
		klog.Infof("Processed dataset not found in %q, partitioning %q", cfg.Paths.ProcessedDir, cfg.Paths.RawDir)
		report, err := partition.Partition(cfg.PartitionConfig(progressBar))
		if err != nil {
			return nil, errors.WithMessage(err, "failed to partition the dataset")
		}
		totals := report.Totals()
		klog.Infof("Partitioned %d images: train=%d, val=%d, test=%d, skipped=%d", totals.Total(),
			totals[partition.Train], totals[partition.Validation], totals[partition.Test], len(report.Skipped))
	}
	vocabulary, err := partition.Validate(cfg.Paths.ProcessedDir)
	if err != nil {
		return nil, err
	}
	normalization, err := cfg.Normalization()
	if err != nil {
		return nil, err
	}
	batchSize := context.GetParamOr(params, ParamBatchSize, cfg.Train.BatchSize)

	d := &datasets{vocabulary: vocabulary, normalization: normalization}
	trainOpts := loader.TrainOptions(batchSize, cfg.AugmentParams(), normalization, cfg.Data.Seed)
	evalOpts := loader.EvalOptions(batchSize, normalization)
	for _, opts := range []*loader.Options{&trainOpts, &evalOpts} {
		opts.ImageSize = cfg.Data.ImageSize
		opts.Parallelism = cfg.Data.Parallelism
		opts.Vocabulary = vocabulary
	}
	if d.train, err = loader.New("train", cfg.SplitDir(partition.Train.String()), trainOpts); err != nil {
		return nil, err
	}
	if d.validation, err = loader.New("validation", cfg.SplitDir(partition.Validation.String()), evalOpts); err != nil {
		return nil, err
	}
	if d.test, err = loader.New("test", cfg.SplitDir(partition.Test.String()), evalOpts); err != nil {
		return nil, err
	}
	params.SetParam(classifier.ParamNumClasses, vocabulary.Len())
	return d, nil
}

// preparePretrained makes the backbone weights available, if configured.
func preparePretrained(cfg *config.Config, params *context.Context, progressBar bool) error {
	if !cfg.Train.Pretrained {
		klog.Warningf("Training %s from random initialization: pretrained weights disabled", mobilenet.Name)
		params.SetParam(classifier.ParamPretrainedDir, "")
		return nil
	}
	if err := pretrained.DownloadAndUnpack(cfg.Paths.WeightsDir, "", progressBar); err != nil {
		return errors.WithMessage(err, "failed to prepare the pretrained backbone weights")
	}
	params.SetParam(classifier.ParamPretrainedDir, pretrained.UnpackedDir(cfg.Paths.WeightsDir))
	return nil
}

// save writes the model artifact and its vocabulary.
func (t *trainingRun) save(epoch int) error {
	a, err := t.snapshot(epoch)
	if err != nil {
		return err
	}
	if err := a.Save(t.cfg.ModelPath()); err != nil {
		return err
	}
	if err := t.data.vocabulary.Write(t.cfg.VocabularyPath()); err != nil {
		return err
	}
	klog.Infof("Saved model to %q and class names to %q", t.cfg.ModelPath(), t.cfg.VocabularyPath())
	return nil
}

// writeHistory writes the history plot and CSV next to the models. Failures are only logged.
func (t *trainingRun) writeHistory(h history.History) {
	if err := h.SavePlot(t.cfg.HistoryPlotPath()); err != nil {
		klog.Warningf("Failed to plot the training history: %+v", err)
	} else {
		klog.Infof("Training history plot saved to %q", t.cfg.HistoryPlotPath())
	}
	if err := h.SaveCSV(t.cfg.HistoryCSVPath()); err != nil {
		klog.Warningf("Failed to save the training history: %+v", err)
	}
}

// snapshot of the model variables, with the header describing them.
func (t *trainingRun) snapshot(epoch int) (*artifact.Artifact, error) {
	return artifact.FromContext(t.params, artifact.Header{
		RunID:          t.runID,
		Normalization:  string(t.data.normalization),
		ImageSize:      t.cfg.Data.ImageSize,
		NumClasses:     t.data.vocabulary.Len(),
		Backbone:       mobilenet.Name,
		VocabularyHash: t.data.vocabulary.Hash(),
		Epoch:          epoch,
	})
}
