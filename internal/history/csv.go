// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"io"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// MetricColumns are the metric columns of the DataFrame and the CSV export, in order.
var MetricColumns = []string{"loss", "accuracy", "val_loss", "val_accuracy", "learning_rate"}

// DataFrame returns the history as a DataFrame with the columns "epoch", "phase" and MetricColumns.
// Epochs are numbered from 1, as they are displayed.
func (h History) DataFrame() dataframe.DataFrame {
	epochs := make([]int, len(h))
	phases := make([]string, len(h))
	for ii, e := range h {
		epochs[ii] = e.Epoch + 1
		phases[ii] = string(e.Phase)
	}
	columns := []series.Series{
		series.New(epochs, series.Int, "epoch"),
		series.New(phases, series.String, "phase"),
	}
	for _, name := range MetricColumns {
		columns = append(columns, series.New(h.Column(name), series.Float, name))
	}
	return dataframe.New(columns...)
}

// WriteCSV writes the history as CSV, with a header line.
func (h History) WriteCSV(w io.Writer) error {
	if len(h) == 0 {
		return errors.New("history: no epochs to write")
	}
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "history: failed to build table")
	}
	return errors.Wrap(df.WriteCSV(w), "history: failed to write CSV")
}

// SaveCSV writes the history as CSV to filePath.
func (h History) SaveCSV(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = h.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
