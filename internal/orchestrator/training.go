// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	stdctx "context"

	"github.com/cropdoc/cropdisease/internal/artifact"
	"github.com/cropdoc/cropdisease/internal/callbacks"
	"github.com/cropdoc/cropdisease/internal/classifier"
	"github.com/cropdoc/cropdisease/internal/config"
	"github.com/cropdoc/cropdisease/internal/history"
	"github.com/cropdoc/cropdisease/internal/mobilenet"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// trainingRun holds the state shared by the phases of one run.
type trainingRun struct {
	cfg      *config.Config
	backend  backends.Backend
	params   *context.Context
	data     *datasets
	runID    string
	registry *history.Registry
	progress bool

	// checkpoint policy is shared by both phases: the best model of the whole run is kept.
	checkpoint *callbacks.Checkpoint

	// trainer of the current phase.
	trainer *train.Trainer

	// epochRunner trains and validates one epoch. If nil, runEpoch is used.
	epochRunner func(loop *train.Loop, epoch int, name history.Phase, lrVar *context.Variable) (history.Epoch, error)

	// weightsEpoch is the epoch whose weights are in the model variables: the last epoch run, or the
	// best one after EarlyStopping restored it.
	weightsEpoch int
}

// phase configures one training phase.
type phase struct {
	name            history.Phase
	firstEpoch      int
	numEpochs       int
	trainableLayers int
	learningRate    float64

	// reuse model variables created by a previous phase.
	reuse bool
}

func (t *trainingRun) run(ctx stdctx.Context, result *Result) error {
	epochs := context.GetParamOr(t.params, ParamEpochs, 30)
	initialEpochs := min(context.GetParamOr(t.params, ParamInitialEpochs, 10), epochs)

	result.State = HeadOnlyTraining
	h, err := t.runPhase(ctx, phase{
		name:            history.HeadOnly,
		numEpochs:       initialEpochs,
		trainableLayers: 0,
		learningRate:    context.GetParamOr(t.params, optimizers.ParamLearningRate, 1e-3),
	}, result)
	result.History = h
	if err != nil {
		return err
	}

	if context.GetParamOr(t.params, ParamFineTune, true) && epochs > len(h) {
		result.State = FineTuning
		// Adam moments of the first phase don't apply to the newly trainable variables.
		if err := optimizers.FromContext(t.params).Clear(t.params); err != nil {
			return errors.WithMessage(err, "failed to reset the optimizer for fine-tuning")
		}
		fineTuned, err := t.runPhase(ctx, phase{
			name:            history.FineTuning,
			firstEpoch:      h.NextEpoch(),
			numEpochs:       epochs - len(h),
			trainableLayers: context.GetParamOr(t.params, ParamFineTuneLayers, 30),
			learningRate:    context.GetParamOr(t.params, ParamFineTuneLearningRate, 1e-5),
			reuse:           true,
		}, result)
		result.History = result.History.Concat(fineTuned)
		if err != nil {
			return err
		}
	}

	if err := t.save(t.weightsEpoch); err != nil {
		return err
	}
	result.State = Saved
	if best, ok := result.History.BestValAccuracy(); ok {
		result.BestValAccuracy = best.ValAccuracy
	}
	t.writeHistory(result.History)

	result.TestLoss, result.TestAccuracy, err = t.evaluate(t.data.test)
	if err != nil {
		return errors.WithMessage(err, "failed to evaluate the test split")
	}
	klog.Infof("Test loss: %.4f", result.TestLoss)
	klog.Infof("Test accuracy: %.4f", result.TestAccuracy)
	return nil
}

// runPhase trains for up to p.numEpochs epochs, applying the policies after each one.
// It returns the history of the epochs run, also when it fails.
func (t *trainingRun) runPhase(ctx stdctx.Context, p phase, result *Result) (h history.History, err error) {
	klog.Infof("Starting %s phase: %d epochs, %d trainable backbone layers, learning rate %g",
		p.name, p.numEpochs, p.trainableLayers, p.learningRate)
	t.params.SetParam(classifier.ParamTrainableLayers, p.trainableLayers)
	trainerCtx := t.params
	if p.reuse {
		trainerCtx = t.params.Reuse()
	}
	t.trainer = train.NewTrainer(t.backend, trainerCtx, classifier.ModelGraph, classifier.Loss,
		optimizers.FromContext(t.params),
		classifier.Metrics(), // trainMetrics
		classifier.Metrics()) // evalMetrics
	loop := train.NewLoop(t.trainer)
	if t.progress {
		commandline.AttachProgressBar(loop)
	}

	lrVar := optimizers.LearningRateVar(t.params, dtypes.Float32, p.learningRate)
	if err := lrVar.SetValue(tensors.FromScalar(float32(p.learningRate))); err != nil {
		return nil, errors.WithMessage(err, "failed to set the learning rate")
	}

	earlyStopping := callbacks.NewEarlyStopping(context.GetParamOr(t.params, ParamEarlyStoppingPatience, 5))
	reduceLR := callbacks.NewReduceLR(
		context.GetParamOr(t.params, ParamReduceLRFactor, 0.2),
		context.GetParamOr(t.params, ParamReduceLRPatience, 3),
		context.GetParamOr(t.params, ParamMinLearningRate, 1e-6))
	var best *artifact.Artifact
	runEpoch := t.epochRunner
	if runEpoch == nil {
		runEpoch = t.runEpoch
	}

	for ii := range p.numEpochs {
		epoch := p.firstEpoch + ii
		if ctxErr := ctx.Err(); ctxErr != nil {
			return h, errors.Wrapf(ErrInterrupted, "before epoch %d: %v", epoch+1, ctxErr)
		}
		record, err := runEpoch(loop, epoch, p.name, lrVar)
		if err != nil {
			return h, errors.WithMessagef(err, "epoch %d", epoch+1)
		}
		t.weightsEpoch = epoch
		if ii == 0 {
			// The trainable flags are set when the model graph is built, in the first step of the phase.
			klog.V(1).Infof("%s phase: %d trainable backbone variables", p.name, mobilenet.TrainableVariables(t.params))
		}
		h = append(h, record)
		klog.Infof("%s", record)
		if t.registry != nil {
			if err := t.registry.RecordEpoch(stdctx.WithoutCancel(ctx), t.runID, record); err != nil {
				klog.Warningf("%v", err)
			}
		}

		// Policies, in order: Checkpoint, EarlyStopping, ReduceLR.
		if t.checkpoint.Observe(record.ValAccuracy) {
			a, err := t.snapshot(epoch)
			if err == nil {
				err = a.Save(t.cfg.CheckpointPath())
			}
			if err != nil {
				return h, errors.WithMessage(err, "failed to save checkpoint")
			}
			klog.Infof("val_accuracy improved to %.4f, checkpoint saved to %q", record.ValAccuracy, t.cfg.CheckpointPath())
		}
		improved, stop := earlyStopping.Observe(epoch, record.ValLoss)
		if improved {
			if best, err = t.snapshot(epoch); err != nil {
				return h, err
			}
		}
		if newLR, reduced := reduceLR.Observe(record.ValLoss, record.LearningRate); reduced {
			if err := lrVar.SetValue(tensors.FromScalar(float32(newLR))); err != nil {
				return h, errors.WithMessage(err, "failed to reduce the learning rate")
			}
			klog.Infof("ReduceLR: reducing learning rate to %g", newLR)
		}
		if stop {
			klog.Infof("EarlyStopping: no val_loss improvement for %d epochs, restoring weights of epoch %d",
				earlyStopping.Patience, earlyStopping.BestEpoch()+1)
			if best != nil {
				if err := best.Restore(t.params); err != nil {
					return h, errors.WithMessage(err, "failed to restore the best weights")
				}
				t.weightsEpoch = earlyStopping.BestEpoch()
			}
			break
		}
	}
	result.StoppedEarly[p.name] = earlyStopping.Stopped()
	return h, nil
}

// runEpoch trains one pass over the training data and evaluates the validation data.
func (t *trainingRun) runEpoch(loop *train.Loop, epoch int, name history.Phase, lrVar *context.Variable) (
	record history.Epoch, err error) {
	record = history.Epoch{Epoch: epoch, Phase: name}
	lrValue, err := lrVar.Value()
	if err != nil {
		return record, err
	}
	record.LearningRate, err = scalarValue(lrValue)
	if err != nil {
		return record, err
	}

	trainValues, err := loop.RunSteps(t.data.train, t.data.train.StepsPerEpoch())
	if err != nil {
		return record, errors.WithMessage(err, "training failed")
	}
	if record.Loss, err = metricValue(trainValues, t.trainer.TrainMetrics(), classifier.LossShortName); err != nil {
		return record, err
	}
	if record.Accuracy, err = metricValue(trainValues, t.trainer.TrainMetrics(), classifier.AccuracyShortName); err != nil {
		return record, err
	}
	record.ValLoss, record.ValAccuracy, err = t.evaluate(t.data.validation)
	return record, err
}

// evaluate returns the mean loss and accuracy over one pass of ds.
func (t *trainingRun) evaluate(ds train.Dataset) (loss, accuracy float64, err error) {
	ds.Reset()
	values, err := t.trainer.Eval(ds)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "failed to evaluate %q", ds.Name())
	}
	if loss, err = metricValue(values, t.trainer.EvalMetrics(), classifier.LossShortName); err != nil {
		return 0, 0, err
	}
	accuracy, err = metricValue(values, t.trainer.EvalMetrics(), classifier.AccuracyShortName)
	return loss, accuracy, err
}

// metricValue returns the value of the metric with the given short name.
func metricValue(values []*tensors.Tensor, metricsList []metrics.Interface, shortName string) (float64, error) {
	for ii, m := range metricsList {
		if m.ShortName() == shortName && ii < len(values) {
			return scalarValue(values[ii])
		}
	}
	return 0, errors.Errorf("metric %q not found", shortName)
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
}
