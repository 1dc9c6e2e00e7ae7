// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package history records the per-epoch metrics of training: it concatenates the two training phases
// into one series, plots it, exports it as CSV and keeps a registry of training runs in SQLite.
package history

import (
	"fmt"
	"math"
)

// Phase of the training.
type Phase string

const (
	// HeadOnly is the first phase: only the classification head is trained.
	HeadOnly Phase = "head_only"

	// FineTuning is the second phase: the last layers of the backbone are trained along with the head.
	FineTuning Phase = "fine_tuning"
)

// Epoch holds the metrics of one training epoch.
type Epoch struct {
	// Epoch number, 0-based and continuous across phases.
	Epoch int
	Phase Phase

	Loss, Accuracy       float64
	ValLoss, ValAccuracy float64

	// LearningRate used during the epoch.
	LearningRate float64
}

// String implements fmt.Stringer.
func (e Epoch) String() string {
	return fmt.Sprintf("epoch %d (%s): loss=%.4f accuracy=%.4f val_loss=%.4f val_accuracy=%.4f lr=%.2g",
		e.Epoch+1, e.Phase, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.LearningRate)
}

// History is the ordered list of epochs of a training run.
type History []Epoch

// Concat returns the epochs of h followed by the epochs of next. The epochs of next are renumbered
// to continue after the last epoch of h.
func (h History) Concat(next History) History {
	out := make(History, 0, len(h)+len(next))
	out = append(out, h...)
	first := 0
	if len(h) > 0 {
		first = h[len(h)-1].Epoch + 1
	}
	for ii, e := range next {
		e.Epoch = first + ii
		out = append(out, e)
	}
	return out
}

// NextEpoch returns the number of the epoch following the last one, or 0 for an empty history.
func (h History) NextEpoch() int {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Epoch + 1
}

// BestValAccuracy returns the epoch with the highest validation accuracy, the first one in case of ties.
// It returns false if the history is empty.
func (h History) BestValAccuracy() (Epoch, bool) {
	bestIdx := -1
	best := math.Inf(-1)
	for ii, e := range h {
		if e.ValAccuracy > best {
			best = e.ValAccuracy
			bestIdx = ii
		}
	}
	if bestIdx < 0 {
		return Epoch{}, false
	}
	return h[bestIdx], true
}

// Column returns the values of one metric across epochs: one of "loss", "accuracy", "val_loss",
// "val_accuracy" or "learning_rate".
func (h History) Column(name string) []float64 {
	values := make([]float64, len(h))
	for ii, e := range h {
		switch name {
		case "loss":
			values[ii] = e.Loss
		case "accuracy":
			values[ii] = e.Accuracy
		case "val_loss":
			values[ii] = e.ValLoss
		case "val_accuracy":
			values[ii] = e.ValAccuracy
		case "learning_rate":
			values[ii] = e.LearningRate
		default:
			panic(fmt.Sprintf("history: unknown column %q", name))
		}
	}
	return values
}
