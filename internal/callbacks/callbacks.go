// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package callbacks implements the end-of-epoch training policies: Checkpoint, EarlyStopping and
// ReduceLR.
//
// The policies only decide. They observe the validation metrics of each epoch and return what
// should be done (save, stop, restore or change the learning rate), and the training loop does it.
// The loop calls them in the order Checkpoint, EarlyStopping, ReduceLR.
package callbacks

import (
	"fmt"
	"math"
)

// Checkpoint decides when to save the best model so far: whenever the validation accuracy
// strictly improves over the best seen.
type Checkpoint struct {
	best    float64
	hasBest bool
}

// NewCheckpoint returns a Checkpoint policy that hasn't seen any epoch.
func NewCheckpoint() *Checkpoint { return &Checkpoint{} }

// Observe the validation accuracy of an epoch and return whether the model should be saved.
// NaN values never improve.
func (c *Checkpoint) Observe(valAccuracy float64) (save bool) {
	if math.IsNaN(valAccuracy) {
		return false
	}
	if !c.hasBest || valAccuracy > c.best {
		c.best = valAccuracy
		c.hasBest = true
		return true
	}
	return false
}

// Best returns the best validation accuracy observed, and false if none was observed yet.
func (c *Checkpoint) Best() (float64, bool) { return c.best, c.hasBest }

// EarlyStopping decides when to stop a training phase: after Patience consecutive epochs without
// the validation loss improving.
//
// It tracks the epoch with the best validation loss: when it stops, the weights of that epoch are
// to be restored.
type EarlyStopping struct {
	Patience int

	best      float64
	bestEpoch int
	hasBest   bool
	wait      int
	stopped   bool
}

// NewEarlyStopping returns an EarlyStopping policy with the given patience.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, bestEpoch: -1}
}

// Observe the validation loss of epoch and return:
//
//   - improved: this is the best epoch so far, and its weights should be kept as the ones to restore.
//   - stop: the phase should stop now, and the weights of BestEpoch restored.
func (e *EarlyStopping) Observe(epoch int, valLoss float64) (improved, stop bool) {
	e.wait++
	if !math.IsNaN(valLoss) && (!e.hasBest || valLoss < e.best) {
		e.best = valLoss
		e.bestEpoch = epoch
		e.hasBest = true
		e.wait = 0
		return true, false
	}
	if e.wait >= e.Patience {
		e.stopped = true
		return false, true
	}
	return false, false
}

// BestEpoch returns the epoch with the lowest validation loss, or -1 if none was observed.
func (e *EarlyStopping) BestEpoch() int { return e.bestEpoch }

// Best returns the lowest validation loss observed.
func (e *EarlyStopping) Best() float64 { return e.best }

// Stopped returns whether Observe already returned stop.
func (e *EarlyStopping) Stopped() bool { return e.stopped }

// ReduceLR decides when to reduce the learning rate: after Patience consecutive epochs without
// the validation loss improving by more than MinDelta, the learning rate is multiplied by Factor,
// but never below MinLR. The patience count restarts after each reduction.
type ReduceLR struct {
	Factor   float64
	Patience int
	MinLR    float64
	MinDelta float64

	best    float64
	hasBest bool
	wait    int
}

// DefaultMinDelta is the minimum decrease of the validation loss that counts as an improvement for ReduceLR.
const DefaultMinDelta = 1e-4

// NewReduceLR returns a ReduceLR policy.
func NewReduceLR(factor float64, patience int, minLR float64) *ReduceLR {
	if factor <= 0 || factor >= 1 {
		panic(fmt.Sprintf("callbacks.NewReduceLR: factor must be in (0, 1), got %g", factor))
	}
	return &ReduceLR{Factor: factor, Patience: patience, MinLR: minLR, MinDelta: DefaultMinDelta}
}

// Observe the validation loss of an epoch trained with learning rate lr, and return the learning rate
// to use from now on. reduced is true if it differs from lr.
func (r *ReduceLR) Observe(valLoss, lr float64) (newLR float64, reduced bool) {
	if !math.IsNaN(valLoss) && (!r.hasBest || valLoss < r.best-r.MinDelta) {
		r.best = valLoss
		r.hasBest = true
		r.wait = 0
		return lr, false
	}
	r.wait++
	if r.wait < r.Patience {
		return lr, false
	}
	r.wait = 0
	if lr <= r.MinLR {
		return lr, false
	}
	newLR = max(lr*r.Factor, r.MinLR)
	return newLR, newLR != lr
}
