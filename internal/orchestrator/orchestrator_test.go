// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	stdctx "context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/cropdoc/cropdisease/internal/artifact"
	"github.com/cropdoc/cropdisease/internal/callbacks"
	"github.com/cropdoc/cropdisease/internal/classifier"
	"github.com/cropdoc/cropdisease/internal/config"
	"github.com/cropdoc/cropdisease/internal/history"
	"github.com/cropdoc/cropdisease/internal/imageutil"
	"github.com/cropdoc/cropdisease/internal/vocab"
	"github.com/gofrs/flock"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

// testConfig returns a configuration rooted in a temporary directory, with small images and
// pretrained weights disabled.
func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RawDir = filepath.Join(dir, "raw")
	cfg.Paths.ProcessedDir = filepath.Join(dir, "processed")
	cfg.Paths.ModelsDir = filepath.Join(dir, "models")
	cfg.Paths.WeightsDir = filepath.Join(dir, "weights")
	cfg.Data.ImageSize = 32
	cfg.Data.Parallelism = 2
	cfg.Train.BatchSize = 4
	cfg.Train.Epochs = 2
	cfg.Train.InitialEpochs = 1
	cfg.Train.FineTuneLayers = 3
	cfg.Train.Pretrained = false
	cfg.Train.ProgressBar = false
	return &cfg
}

// writeClass creates numImages PNG images of one dominant color under rawDir/className.
func writeClass(t *testing.T, rawDir, className string, c color.NRGBA, numImages int) {
	classDir := filepath.Join(rawDir, className)
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	for ii := range numImages {
		img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
		for y := range 40 {
			for x := range 40 {
				pixel := c
				pixel.G += uint8((x + y + ii) % 16)
				img.SetNRGBA(x, y, pixel)
			}
		}
		f, err := os.Create(filepath.Join(classDir, fmt.Sprintf("leaf_%02d.png", ii)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

func TestNewContext(t *testing.T) {
	cfg := config.Default()
	cfg.Train.Epochs = 12
	cfg.Train.FineTuneLearningRate = 2e-5
	ctx := NewContext(&cfg)
	assert.Equal(t, 12, context.GetParamOr(ctx, ParamEpochs, 0))
	assert.Equal(t, 10, context.GetParamOr(ctx, ParamInitialEpochs, 0))
	assert.Equal(t, 30, context.GetParamOr(ctx, ParamFineTuneLayers, 0))
	assert.Equal(t, 2e-5, context.GetParamOr(ctx, ParamFineTuneLearningRate, 0.0))
	assert.Equal(t, 1e-3, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, int64(42), context.GetParamOr(ctx, context.ParamInitialSeed, int64(0)))
	assert.Equal(t, 0, context.GetParamOr(ctx, classifier.ParamNumClasses, -1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "HeadOnlyTraining", HeadOnlyTraining.String())
	assert.Equal(t, "FineTuning", FineTuning.String())
	assert.Equal(t, "Saved", Saved.String())
	assert.Equal(t, "State(7)", State(7).String())
}

func TestMetricValue(t *testing.T) {
	ms := classifier.Metrics()
	values := []*tensors.Tensor{tensors.FromScalar(float32(0.25)), tensors.FromScalar(0.75)}
	loss, err := metricValue(values, ms, classifier.LossShortName)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, loss, 1e-7)
	accuracy, err := metricValue(values, ms, classifier.AccuracyShortName)
	require.NoError(t, err)
	assert.Equal(t, 0.75, accuracy)

	_, err = metricValue(values, ms, "#missing")
	require.Error(t, err)
	_, err = metricValue(values[:1], []metrics.Interface{ms[1]}, classifier.AccuracyShortName)
	require.NoError(t, err)
	_, err = scalarValue(tensors.FromScalar(int32(1)))
	require.Error(t, err)
}

func TestRunRequiresBackend(t *testing.T) {
	cfg := testConfig(t)
	_, err := Run(stdctx.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestRunLocked(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Paths.ModelsDir, 0o755))
	other := flock.New(cfg.LockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = other.Unlock() }()

	_, err = Run(stdctx.Background(), cfg, Options{Backend: testBackend(t)})
	require.ErrorIs(t, err, ErrTrainingInProgress)
}

func TestRunInterrupted(t *testing.T) {
	cfg := testConfig(t)
	writeClass(t, cfg.Paths.RawDir, "Tomato___healthy", color.NRGBA{R: 20, G: 160, B: 20, A: 255}, 10)
	writeClass(t, cfg.Paths.RawDir, "Tomato___Late_blight", color.NRGBA{R: 120, G: 80, B: 30, A: 255}, 10)
	ctx, cancel := stdctx.WithCancel(stdctx.Background())
	cancel()

	result, err := Run(ctx, cfg, Options{Backend: testBackend(t)})
	require.ErrorIs(t, err, ErrInterrupted)
	require.NotNil(t, result)
	assert.Empty(t, result.History)
	assert.Equal(t, HeadOnlyTraining, result.State)
	_, err = os.Stat(cfg.ModelPath())
	assert.True(t, os.IsNotExist(err), "no model is saved when interrupted")

	registry, err := history.OpenRegistry(stdctx.Background(), cfg.RunsDBPath())
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()
	run, err := registry.GetRun(stdctx.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusInterrupted, run.Status)
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
	}
	cfg := testConfig(t)
	writeClass(t, cfg.Paths.RawDir, "Tomato___healthy", color.NRGBA{R: 20, G: 160, B: 20, A: 255}, 10)
	writeClass(t, cfg.Paths.RawDir, "Tomato___Late_blight", color.NRGBA{R: 120, G: 80, B: 30, A: 255}, 10)

	result, err := Run(stdctx.Background(), cfg, Options{Backend: testBackend(t)})
	require.NoError(t, err)
	assert.Equal(t, Saved, result.State)
	require.Len(t, result.History, 2)
	assert.Equal(t, history.HeadOnly, result.History[0].Phase)
	assert.Equal(t, history.FineTuning, result.History[1].Phase)
	assert.Equal(t, 1, result.History[1].Epoch)
	assert.InDelta(t, 1e-3, result.History[0].LearningRate, 1e-9)
	assert.InDelta(t, 1e-5, result.History[1].LearningRate, 1e-11)
	assert.GreaterOrEqual(t, result.TestAccuracy, 0.0)
	assert.LessOrEqual(t, result.TestAccuracy, 1.0)

	// Model, vocabulary, checkpoint and history are saved.
	header, err := artifact.ReadHeader(cfg.ModelPath())
	require.NoError(t, err)
	assert.Equal(t, 2, header.NumClasses)
	assert.Equal(t, 32, header.ImageSize)
	assert.Equal(t, 1, header.Epoch)
	vocabulary, err := vocab.Read(cfg.VocabularyPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"Tomato___Late_blight", "Tomato___healthy"}, vocabulary.Names())
	assert.Equal(t, vocabulary.Hash(), header.VocabularyHash)
	for _, path := range []string{cfg.CheckpointPath(), cfg.HistoryPlotPath(), cfg.HistoryCSVPath()} {
		_, err := os.Stat(path)
		assert.NoError(t, err, "missing %q", path)
	}

	// The saved model excludes optimizer state.
	a, err := artifact.Load(cfg.ModelPath())
	require.NoError(t, err)
	for _, v := range a.Variables {
		assert.NotContains(t, v.Scope, optimizers.AdamDefaultScope)
	}

	registry, err := history.OpenRegistry(stdctx.Background(), cfg.RunsDBPath())
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()
	run, err := registry.GetRun(stdctx.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, run.Status)
	epochs, err := registry.Epochs(stdctx.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, epochs, 2)

	// A second run on the same directories reuses the processed dataset.
	cfg.Train.FineTune = false
	cfg.Train.Epochs = 1
	result, err = Run(stdctx.Background(), cfg, Options{Backend: testBackend(t), DisableRegistry: true})
	require.NoError(t, err)
	require.Len(t, result.History, 1)
	assert.False(t, result.StoppedEarly[history.FineTuning])
}

// fixedLossRun returns a trainingRun whose epochs report the given validation losses, and mark the
// variable /model/marker/epoch with the epoch number, so restored weights can be identified.
func fixedLossRun(t *testing.T, valLosses []float64) (*trainingRun, *context.Variable) {
	cfg := testConfig(t)
	params := NewContext(cfg)
	params.SetParam(classifier.ParamNumClasses, 2)
	marker := params.In(classifier.ModelScope).In("marker").VariableWithValue("epoch", float32(-1))
	vocabulary, err := vocab.New([]string{"Tomato___Late_blight", "Tomato___healthy"})
	require.NoError(t, err)
	run := &trainingRun{
		cfg:        cfg,
		backend:    testBackend(t),
		params:     params,
		data:       &datasets{vocabulary: vocabulary, normalization: imageutil.Rescale},
		runID:      "fixed-losses",
		checkpoint: callbacks.NewCheckpoint(),
	}
	run.epochRunner = func(_ *train.Loop, epoch int, name history.Phase, _ *context.Variable) (history.Epoch, error) {
		if err := marker.SetValue(tensors.FromScalar(float32(epoch))); err != nil {
			return history.Epoch{}, err
		}
		loss := valLosses[epoch]
		return history.Epoch{Epoch: epoch, Phase: name, Loss: loss, Accuracy: 1 - loss,
			ValLoss: loss, ValAccuracy: 1 - loss, LearningRate: 1e-3}, nil
	}
	return run, marker
}

func markerValue(t *testing.T, v *context.Variable) float32 {
	value, err := v.Value()
	require.NoError(t, err)
	return tensors.ToScalar[float32](value)
}

func TestEarlyStoppingRestoresBestEpoch(t *testing.T) {
	// Minimum at epoch 2, then 5 epochs without improvement.
	valLosses := []float64{1.0, 0.8, 0.5, 0.6, 0.7, 0.55, 0.9, 0.65, 0.4, 0.3}
	run, marker := fixedLossRun(t, valLosses)
	result := &Result{StoppedEarly: make(map[history.Phase]bool)}

	h, err := run.runPhase(stdctx.Background(), phase{
		name:         history.HeadOnly,
		numEpochs:    len(valLosses),
		learningRate: 1e-3,
	}, result)
	require.NoError(t, err)
	require.Len(t, h, 8, "the phase stops after epoch 7")
	assert.True(t, result.StoppedEarly[history.HeadOnly])
	assert.Equal(t, float32(2), markerValue(t, marker), "weights of the minimum val_loss epoch are restored")
	assert.Equal(t, 2, run.weightsEpoch)

	// The checkpoint holds the best val_accuracy epoch, the same one here.
	checkpoint, err := artifact.Load(run.cfg.CheckpointPath())
	require.NoError(t, err)
	assert.Equal(t, 2, checkpoint.Header.Epoch)

	// The saved model records the epoch of the restored weights, not the last one run.
	require.NoError(t, run.save(run.weightsEpoch))
	saved, err := artifact.Load(run.cfg.ModelPath())
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Header.Epoch)
	v := saved.Get("/"+classifier.ModelScope+"/marker", "epoch")
	require.NotNil(t, v)
	assert.Equal(t, float32(2), tensors.ToScalar[float32](v.Value))
}

func TestNoEarlyStoppingKeepsLastEpoch(t *testing.T) {
	valLosses := []float64{1.0, 0.9, 0.95, 0.97, 0.99}
	run, marker := fixedLossRun(t, valLosses)
	result := &Result{StoppedEarly: make(map[history.Phase]bool)}

	h, err := run.runPhase(stdctx.Background(), phase{
		name:         history.HeadOnly,
		numEpochs:    len(valLosses),
		learningRate: 1e-3,
	}, result)
	require.NoError(t, err)
	require.Len(t, h, len(valLosses))
	assert.False(t, result.StoppedEarly[history.HeadOnly])
	assert.Equal(t, float32(4), markerValue(t, marker))
	assert.Equal(t, 4, run.weightsEpoch)
}
