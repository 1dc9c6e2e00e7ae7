// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package imageutil

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("leaf.JPG"))
	assert.True(t, IsImageFile("dir/leaf.jpeg"))
	assert.True(t, IsImageFile("leaf.png"))
	assert.False(t, IsImageFile("leaf.gif"))
	assert.False(t, IsImageFile("notes.txt"))
}

func TestLoadDropsAlphaAndResizes(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := range 30 {
		for x := range 40 {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 10})
		}
	}
	filePath := filepath.Join(t.TempDir(), "translucent.png")
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	loaded, err := LoadResized(filePath, 16)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), loaded.Bounds())
	c := loaded.NRGBAAt(8, 8)
	assert.Equal(t, color.NRGBA{R: 200, G: 100, B: 50, A: 255}, c)

	_, err = Load(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
}

func TestNormalization(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 0, G: 255, B: 51, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 0, B: 102, A: 255})

	rescaled, err := Rescale.Batch([]image.Image{img})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, rescaled.Shape().Dimensions)
	assert.InDeltaSlice(t, []float32{0, 1, 0.2, 1, 0, 0.4}, tensors.MustCopyFlatData[float32](rescaled), 1e-5)

	centered, err := MobileNet.Batch([]image.Image{img})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, 1, -0.6, 1, -1, -0.2}, tensors.MustCopyFlatData[float32](centered), 1e-5)

	_, err = ParseNormalization("imagenet")
	require.Error(t, err)
	n, err := ParseNormalization("mobilenet")
	require.NoError(t, err)
	assert.Equal(t, MobileNet, n)
}
