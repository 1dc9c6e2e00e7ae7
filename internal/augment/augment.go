// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements the random geometric transformations applied to training images:
// rotation, width/height shift, shear, zoom and horizontal flip.
//
// All transformations are composed into one affine matrix that maps output pixel coordinates to
// source pixel coordinates. Pixels are sampled with nearest neighbour, and coordinates that fall
// outside the source are clamped to the closest border pixel ("nearest" fill mode).
package augment

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/math/f64"
)

// Params configures the range of the random transformations. The zero value means no augmentation.
type Params struct {
	// RotationDegrees is the maximum absolute rotation, in degrees.
	RotationDegrees float64

	// WidthShift and HeightShift are the maximum absolute translations, as fractions of the image size.
	WidthShift, HeightShift float64

	// Shear is the maximum absolute shear factor (the horizontal displacement per unit of height).
	Shear float64

	// Zoom is the maximum zoom variation: each axis is independently scaled by a factor in [1-Zoom, 1+Zoom].
	Zoom float64

	// HorizontalFlip mirrors half of the images.
	HorizontalFlip bool
}

// Enabled returns whether any transformation is configured.
func (p Params) Enabled() bool {
	return p.RotationDegrees > 0 || p.WidthShift > 0 || p.HeightShift > 0 || p.Shear > 0 || p.Zoom > 0 ||
		p.HorizontalFlip
}

// Transform is one concrete random transformation.
type Transform struct {
	// Matrix maps output (x, y) coordinates to source coordinates.
	Matrix f64.Aff3

	// Flip mirrors the output horizontally, after the affine transformation.
	Flip bool
}

// Identity is the transformation that doesn't change the image.
var Identity = Transform{Matrix: f64.Aff3{1, 0, 0, 0, 1, 0}}

// IsIdentity returns whether the transformation doesn't change the image.
func (t Transform) IsIdentity() bool { return t == Identity }

// mul returns the affine composition m·n (n is applied first).
func mul(m, n f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		m[0]*n[0] + m[1]*n[3], m[0]*n[1] + m[1]*n[4], m[0]*n[2] + m[1]*n[5] + m[2],
		m[3]*n[0] + m[4]*n[3], m[3]*n[1] + m[4]*n[4], m[3]*n[2] + m[4]*n[5] + m[5],
	}
}

// uniform returns a value in [-limit, limit].
func uniform(rng *rand.Rand, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return (2*rng.Float64() - 1) * limit
}

// Random draws a transformation for an image of the given size.
func (p Params) Random(rng *rand.Rand, width, height int) Transform {
	theta := uniform(rng, p.RotationDegrees) * math.Pi / 180
	tx := uniform(rng, p.WidthShift) * float64(width)
	ty := uniform(rng, p.HeightShift) * float64(height)
	shear := uniform(rng, p.Shear)
	zx, zy := 1.0, 1.0
	if p.Zoom > 0 {
		zx = 1 + uniform(rng, p.Zoom)
		zy = 1 + uniform(rng, p.Zoom)
	}
	flip := p.HorizontalFlip && rng.Intn(2) == 1
	return Compose(width, height, theta, tx, ty, shear, zx, zy, flip)
}

// Compose builds the transformation around the image center: rotation by theta radians, translation
// by (tx, ty) pixels, shear and zoom (zx, zy). Zoom factors larger than 1 show a larger area of the
// source (zoom out), as in Keras.
func Compose(width, height int, theta, tx, ty, shear, zx, zy float64, flip bool) Transform {
	cx, cy := float64(width-1)/2, float64(height-1)/2
	cos, sin := math.Cos(theta), math.Sin(theta)
	// The last factor is applied first to the output coordinates.
	m := f64.Aff3{1, 0, cx, 0, 1, cy}
	m = mul(m, f64.Aff3{cos, -sin, 0, sin, cos, 0})
	m = mul(m, f64.Aff3{1, 0, tx, 0, 1, ty})
	m = mul(m, f64.Aff3{1, shear, 0, 0, 1, 0})
	m = mul(m, f64.Aff3{zx, 0, 0, 0, zy, 0})
	m = mul(m, f64.Aff3{1, 0, -cx, 0, 1, -cy})
	for ii := range m {
		// Avoid tiny float residues making an identity transform look different.
		if math.Abs(m[ii]-math.Round(m[ii])) < 1e-12 {
			m[ii] = math.Round(m[ii])
		}
	}
	return Transform{Matrix: m, Flip: flip}
}

// Apply returns the transformed image, with the same size as img.
// The source image is not modified.
func (t Transform) Apply(img *image.NRGBA) *image.NRGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	if width == 0 || height == 0 {
		return out
	}
	m := t.Matrix
	for y := range height {
		for x := range width {
			dstX := x
			if t.Flip {
				dstX = width - 1 - x
			}
			fx, fy := float64(x), float64(y)
			srcX := clamp(int(math.Round(m[0]*fx+m[1]*fy+m[2])), width)
			srcY := clamp(int(math.Round(m[3]*fx+m[4]*fy+m[5])), height)
			srcOff := img.PixOffset(bounds.Min.X+srcX, bounds.Min.Y+srcY)
			dstOff := out.PixOffset(dstX, y)
			copy(out.Pix[dstOff:dstOff+4], img.Pix[srcOff:srcOff+4])
		}
	}
	return out
}

func clamp(v, size int) int {
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}
