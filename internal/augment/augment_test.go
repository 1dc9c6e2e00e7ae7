// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradient creates an image where each pixel encodes its coordinates.
func gradient(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return img
}

func TestZeroParamsIsIdentity(t *testing.T) {
	var p Params
	assert.False(t, p.Enabled())
	rng := rand.New(rand.NewSource(1))
	tr := p.Random(rng, 10, 8)
	assert.True(t, tr.IsIdentity())

	img := gradient(10, 8)
	assert.Equal(t, img.Pix, tr.Apply(img).Pix)
}

func TestFlip(t *testing.T) {
	img := gradient(5, 3)
	flipped := Compose(5, 3, 0, 0, 0, 0, 1, 1, true).Apply(img)
	for y := range 3 {
		for x := range 5 {
			assert.Equal(t, img.NRGBAAt(4-x, y), flipped.NRGBAAt(x, y))
		}
	}
}

func TestShiftUsesNearestFill(t *testing.T) {
	img := gradient(6, 4)
	// Output pixel x samples the source at x+2: the last two columns repeat the border.
	shifted := Compose(6, 4, 0, 2, 0, 0, 1, 1, false).Apply(img)
	for y := range 4 {
		assert.Equal(t, uint8(2), shifted.NRGBAAt(0, y).R)
		assert.Equal(t, uint8(5), shifted.NRGBAAt(3, y).R)
		assert.Equal(t, uint8(5), shifted.NRGBAAt(4, y).R)
		assert.Equal(t, uint8(5), shifted.NRGBAAt(5, y).R)
	}
}

func TestRotation180(t *testing.T) {
	img := gradient(5, 5)
	rotated := Compose(5, 5, math.Pi, 0, 0, 0, 1, 1, false).Apply(img)
	for y := range 5 {
		for x := range 5 {
			assert.Equal(t, img.NRGBAAt(4-x, 4-y), rotated.NRGBAAt(x, y))
		}
	}
}

func TestRandomWithinLimits(t *testing.T) {
	p := Params{RotationDegrees: 20, WidthShift: 0.2, HeightShift: 0.2, Shear: 0.2, Zoom: 0.2, HorizontalFlip: true}
	require.True(t, p.Enabled())
	rng := rand.New(rand.NewSource(42))
	img := gradient(32, 32)
	numFlips := 0
	for range 200 {
		tr := p.Random(rng, 32, 32)
		if tr.Flip {
			numFlips++
		}
		// The center pixel can't move more than the maximum shift plus the effect of the linear part.
		m := tr.Matrix
		cx := 15.5
		srcX := m[0]*cx + m[1]*cx + m[2]
		srcY := m[3]*cx + m[4]*cx + m[5]
		assert.LessOrEqual(t, math.Abs(srcX-cx), 0.2*32*1.3+0.5)
		assert.LessOrEqual(t, math.Abs(srcY-cx), 0.2*32*1.3+0.5)
		out := tr.Apply(img)
		assert.Equal(t, img.Bounds(), out.Bounds())
	}
	assert.Greater(t, numFlips, 50)
	assert.Less(t, numFlips, 150)
}
