// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"compress/gzip"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *context.Context {
	ctx := context.New()
	ctx.In("model").In("dense").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.In("model").In("bn").VariableWithValue("mean", []float32{0.5, -0.5}).SetTrainable(false)
	ctx.InAbsPath("/" + optimizers.AdamDefaultScope + "/model/dense").VariableWithValue("weights_1st_moment", []float32{1})
	optimizers.LearningRateVar(ctx, dtypes.Float32, 1e-3)
	optimizers.GetGlobalStepVar(ctx)
	must.M(ctx.SetRNGStateFromSeed(42))
	return ctx
}

func testHeader() Header {
	return Header{
		Created:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		RunID:          "run-1",
		Normalization:  "rescale",
		ImageSize:      224,
		NumClasses:     2,
		Backbone:       "mobilenet_v2_1.0",
		VocabularyHash: "abc",
		Epoch:          7,
	}
}

func TestFromContextExcludesOptimizerState(t *testing.T) {
	a, err := FromContext(testContext(), testHeader())
	require.NoError(t, err)
	var names []string
	for _, v := range a.Variables {
		names = append(names, v.ScopeAndName())
	}
	assert.Equal(t, []string{"/model/bn/mean", "/model/dense/weights"}, names)
	assert.Equal(t, Magic, a.Header.Magic)
	assert.Equal(t, Version, a.Header.Version)
	assert.False(t, a.Get("/model/bn", "mean").Trainable)
	assert.True(t, a.Get("/model/dense", "weights").Trainable)
	assert.Nil(t, a.Get("/model/dense", "biases"))
}

func TestSaveLoad(t *testing.T) {
	a, err := FromContext(testContext(), testHeader())
	require.NoError(t, err)
	filePath := filepath.Join(t.TempDir(), "saved", "model.gomlx")
	require.NoError(t, a.Save(filePath))

	entries, err := os.ReadDir(filepath.Dir(filePath))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must be gone")

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, a.Header, loaded.Header)
	require.Len(t, loaded.Variables, 2)
	weights := loaded.Get("/model/dense", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, weights.Value.Value())
	assert.False(t, loaded.Get("/model/bn", "mean").Trainable)

	header, err := ReadHeader(filePath)
	require.NoError(t, err)
	assert.Equal(t, 7, header.Epoch)
	assert.Equal(t, "abc", header.VocabularyHash)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.gomlx"))
	require.Error(t, err)

	garbage := filepath.Join(dir, "garbage.gomlx")
	require.NoError(t, os.WriteFile(garbage, []byte("not a model"), 0o644))
	_, err = Load(garbage)
	require.Error(t, err)

	// A valid stream with an unknown format version.
	future := filepath.Join(dir, "future.gomlx")
	f, err := os.Create(future)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	header := testHeader()
	header.Magic = Magic
	header.Version = Version + 1
	require.NoError(t, gob.NewEncoder(zw).Encode(header))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	_, err = Load(future)
	require.ErrorContains(t, err, "version")
	_, err = ReadHeader(future)
	require.Error(t, err)
}

func TestLoaderAndRestore(t *testing.T) {
	a, err := FromContext(testContext(), testHeader())
	require.NoError(t, err)

	// As a context.Loader, new variables take the saved values. The loader makes the variable exist
	// before it is created, so the context must not check for duplicates.
	ctx := context.New()
	ctx.SetLoader(a)
	ctx = ctx.Checked(false)
	v := ctx.In("model").In("dense").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}})
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, v.MustValue().Value())
	assert.Nil(t, ctx.GetVariableByScopeAndName("/model/dense", "biases"))

	// Restore overwrites changed values and creates missing variables.
	ctx = context.New()
	v = ctx.In("model").In("dense").VariableWithValue("weights", [][]float32{{9, 9}, {9, 9}})
	require.NoError(t, a.Restore(ctx))
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, v.MustValue().Value())
	assert.True(t, v.Trainable)
	mean := ctx.GetVariableByScopeAndName("/model/bn", "mean")
	require.NotNil(t, mean)
	assert.Equal(t, []float32{0.5, -0.5}, mean.MustValue().Value())
	assert.False(t, mean.Trainable)

	// The artifact keeps its own copy.
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, a.Get("/model/dense", "weights").Value.Value())
}

func TestLoadChecksOutputWidth(t *testing.T) {
	ctx := context.New()
	ctx.InAbsPath(OutputWeightsScope).VariableWithValue(OutputWeightsName, [][]float32{{1, 0, 0}, {0, 1, 0}})
	dir := t.TempDir()

	header := testHeader()
	header.NumClasses = 3
	a, err := FromContext(ctx, header)
	require.NoError(t, err)
	matching := filepath.Join(dir, "matching.gomlx")
	require.NoError(t, a.Save(matching))
	_, err = Load(matching)
	require.NoError(t, err)

	// Header and weights disagree: 2 classes in the header, 3 outputs in the weights.
	header.NumClasses = 2
	a, err = FromContext(ctx, header)
	require.NoError(t, err)
	mismatched := filepath.Join(dir, "mismatched.gomlx")
	require.NoError(t, a.Save(mismatched))
	_, err = Load(mismatched)
	require.ErrorContains(t, err, "output layer")
}
