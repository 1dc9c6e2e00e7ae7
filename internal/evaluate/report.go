// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"fmt"
	"strings"

	"github.com/cropdoc/cropdisease/internal/vocab"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"
)

// ClassMetrics are the scores of one class. Undefined ratios (no predictions or no samples) are 0.
type ClassMetrics struct {
	Name                  string
	Precision, Recall, F1 float64
	Support               int
}

// Averages of the per-class scores.
type Averages struct {
	Precision, Recall, F1 float64
}

// Report of the evaluation of a model.
type Report struct {
	Vocabulary *vocab.Vocabulary
	Classes    []ClassMetrics

	// Confusion[true][predicted] counts, in vocabulary order.
	Confusion [][]int

	NumSamples int
	Accuracy   float64

	// Loss is the mean categorical cross-entropy. Only set by Run.
	Loss float64

	// MacroAvg is the unweighted mean over the classes present in the labels or in the predictions,
	// and WeightedAvg the mean weighted by support.
	MacroAvg, WeightedAvg Averages
}

// FromPredictions computes the report from the true and predicted class indices.
func FromPredictions(vocabulary *vocab.Vocabulary, yTrue, yPred []int) (*Report, error) {
	if len(yTrue) != len(yPred) {
		return nil, errors.Errorf("%d labels but %d predictions", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return nil, errors.New("no samples to evaluate")
	}
	numClasses := vocabulary.Len()
	r := &Report{
		Vocabulary: vocabulary,
		Confusion:  make([][]int, numClasses),
		NumSamples: len(yTrue),
	}
	for ii := range r.Confusion {
		r.Confusion[ii] = make([]int, numClasses)
	}
	correct := 0
	for ii, label := range yTrue {
		pred := yPred[ii]
		if label < 0 || label >= numClasses || pred < 0 || pred >= numClasses {
			return nil, errors.Errorf("sample %d: label %d or prediction %d out of range for %d classes",
				ii, label, pred, numClasses)
		}
		r.Confusion[label][pred]++
		if label == pred {
			correct++
		}
	}
	r.Accuracy = float64(correct) / float64(len(yTrue))

	numPresent := 0
	for class := range numClasses {
		tp := r.Confusion[class][class]
		support, predicted := 0, 0
		for other := range numClasses {
			support += r.Confusion[class][other]
			predicted += r.Confusion[other][class]
		}
		m := ClassMetrics{
			Name:      vocabulary.Name(class),
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, support),
			Support:   support,
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.Classes = append(r.Classes, m)

		if support > 0 || predicted > 0 {
			numPresent++
			r.MacroAvg.Precision += m.Precision
			r.MacroAvg.Recall += m.Recall
			r.MacroAvg.F1 += m.F1
		}
		weight := float64(support) / float64(len(yTrue))
		r.WeightedAvg.Precision += weight * m.Precision
		r.WeightedAvg.Recall += weight * m.Recall
		r.WeightedAvg.F1 += weight * m.F1
	}
	r.MacroAvg.Precision /= float64(numPresent)
	r.MacroAvg.Recall /= float64(numPresent)
	r.MacroAvg.F1 /= float64(numPresent)
	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Table renders the classification report: one row per class, then the accuracy and the averages.
func (r *Report) Table() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Class", "Precision", "Recall", "F1-score", "Support"})
	for _, m := range r.Classes {
		tw.AppendRow(table.Row{m.Name, score(m.Precision), score(m.Recall), score(m.F1), m.Support})
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"accuracy", "", "", score(r.Accuracy), r.NumSamples})
	tw.AppendRow(table.Row{"macro avg", score(r.MacroAvg.Precision), score(r.MacroAvg.Recall),
		score(r.MacroAvg.F1), r.NumSamples})
	tw.AppendRow(table.Row{"weighted avg", score(r.WeightedAvg.Precision), score(r.WeightedAvg.Recall),
		score(r.WeightedAvg.F1), r.NumSamples})
	configs := []table.ColumnConfig{{Number: 1, Align: text.AlignLeft}}
	for col := 2; col <= 5; col++ {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight, AlignHeader: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func score(v float64) string { return fmt.Sprintf("%.4f", v) }

// String implements fmt.Stringer, with the loss and accuracy followed by the table.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Test loss: %.4f\nTest accuracy: %.4f (%d samples)\n", r.Loss, r.Accuracy, r.NumSamples)
	sb.WriteString(r.Table())
	sb.WriteString("\n")
	return sb.String()
}
