// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory(phase Phase, n int) History {
	h := make(History, n)
	for ii := range h {
		h[ii] = Epoch{
			Epoch:        ii,
			Phase:        phase,
			Loss:         1 / float64(ii+1),
			Accuracy:     0.5 + 0.01*float64(ii),
			ValLoss:      1.1 / float64(ii+1),
			ValAccuracy:  0.45 + 0.01*float64(ii),
			LearningRate: 1e-3,
		}
	}
	return h
}

func TestConcat(t *testing.T) {
	first := sampleHistory(HeadOnly, 3)
	second := sampleHistory(FineTuning, 2)
	all := first.Concat(second)
	require.Len(t, all, 5)
	for ii, e := range all {
		assert.Equal(t, ii, e.Epoch)
	}
	assert.Equal(t, HeadOnly, all[2].Phase)
	assert.Equal(t, FineTuning, all[3].Phase)
	assert.Equal(t, 5, all.NextEpoch())
	// The inputs are not changed.
	assert.Equal(t, 0, second[0].Epoch)

	assert.Equal(t, second, History(nil).Concat(second))
	assert.Equal(t, 0, History(nil).NextEpoch())
}

func TestBestValAccuracy(t *testing.T) {
	_, ok := History(nil).BestValAccuracy()
	assert.False(t, ok)
	h := History{{Epoch: 0, ValAccuracy: 0.5}, {Epoch: 1, ValAccuracy: 0.7}, {Epoch: 2, ValAccuracy: 0.7}}
	best, ok := h.BestValAccuracy()
	require.True(t, ok)
	assert.Equal(t, 1, best.Epoch)
}

func TestWriteCSV(t *testing.T) {
	h := sampleHistory(HeadOnly, 2).Concat(sampleHistory(FineTuning, 1))
	var buf bytes.Buffer
	require.NoError(t, h.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "epoch,phase,loss,accuracy,val_loss,val_accuracy,learning_rate", lines[0])

	df := dataframe.ReadCSV(strings.NewReader(buf.String()))
	require.NoError(t, df.Err)
	assert.Equal(t, []string{"head_only", "head_only", "fine_tuning"}, df.Col("phase").Records())
	assert.Equal(t, []float64{1, 2, 3}, df.Col("epoch").Float())
	// Values are written with 6 decimal places.
	assert.InDeltaSlice(t, h.Column("val_loss"), df.Col("val_loss").Float(), 1e-6)

	require.Error(t, History(nil).WriteCSV(&buf))
}

func TestSavePlot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "plots", "history.png")
	require.NoError(t, sampleHistory(HeadOnly, 4).SavePlot(filePath))
	f, err := os.Open(filePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())

	require.Error(t, History(nil).SavePlot(filePath))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "models", "runs.db")
	r, err := OpenRegistry(ctx, dbPath)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.StartRun(ctx, Run{ID: "older", StartedAt: start, NumClasses: 3, Epochs: 30, FineTune: true}))
	require.NoError(t, r.StartRun(ctx, Run{ID: "newer", StartedAt: start.Add(time.Hour), NumClasses: 3, Epochs: 5}))
	require.Error(t, r.StartRun(ctx, Run{ID: "older", NumClasses: 3}), "duplicate run ID")

	for _, e := range sampleHistory(HeadOnly, 3) {
		require.NoError(t, r.RecordEpoch(ctx, "older", e))
	}
	require.NoError(t, r.FinishRun(ctx, Run{
		ID: "older", Status: StatusCompleted, ModelPath: "models/m.gomlx",
		BestValAccuracy: 0.47, TestLoss: 0.3, TestAccuracy: 0.9,
	}))
	require.ErrorIs(t, r.FinishRun(ctx, Run{ID: "unknown", Status: StatusFailed}), ErrRunNotFound)

	runs, err := r.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].ID)
	assert.Equal(t, StatusRunning, runs[0].Status)
	assert.True(t, runs[0].FinishedAt.IsZero())
	assert.False(t, runs[0].FineTune)

	older := runs[1]
	assert.Equal(t, StatusCompleted, older.Status)
	assert.True(t, older.StartedAt.Equal(start))
	assert.False(t, older.FinishedAt.IsZero())
	assert.True(t, older.FineTune)
	assert.Equal(t, "models/m.gomlx", older.ModelPath)
	assert.Equal(t, 0.9, older.TestAccuracy)

	runs, err = r.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	h, err := r.Epochs(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, sampleHistory(HeadOnly, 3), h)

	_, err = r.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.NoError(t, r.Close())

	// Reopening keeps the runs.
	r, err = OpenRegistry(ctx, dbPath)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	run, err := r.GetRun(ctx, "newer")
	require.NoError(t, err)
	assert.Equal(t, 5, run.Epochs)
}
