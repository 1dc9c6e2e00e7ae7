// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package imageutil holds the image handling shared by partitioning, loading and inference:
// decoding, conversion to opaque RGB, resizing and conversion to normalized tensors.
package imageutil

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// DefaultSize is the height and width of the images consumed by the model.
const DefaultSize = 224

// Extensions of the image files considered, lower-case.
var Extensions = []string{".jpg", ".jpeg", ".png"}

// IsImageFile returns whether the file name has one of the accepted Extensions (case-insensitive).
func IsImageFile(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load decodes the image in filePath (applying the EXIF orientation, if any) and returns it
// as an opaque RGB image.
func Load(filePath string) (*image.NRGBA, error) {
	img, err := imaging.Open(filePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	return ToRGB(img), nil
}

// ToRGB converts any image to an *image.NRGBA with the alpha channel dropped (set to opaque),
// keeping the color values as they are stored.
func ToRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for ii := 3; ii < len(rgb.Pix); ii += 4 {
		rgb.Pix[ii] = 0xFF
	}
	return rgb
}

// Resize to size x size, without preserving the aspect ratio, using bilinear interpolation.
// Images already in the right size are returned as is.
func Resize(img *image.NRGBA, size int) *image.NRGBA {
	bounds := img.Bounds()
	if bounds.Dx() == size && bounds.Dy() == size {
		return img
	}
	return imaging.Resize(img, size, size, imaging.Linear)
}

// LoadResized loads an image and resizes it to size x size.
func LoadResized(filePath string, size int) (*image.NRGBA, error) {
	img, err := Load(filePath)
	if err != nil {
		return nil, err
	}
	return Resize(img, size), nil
}

// Normalization is the convention used to map 8-bit pixel values to the model's input values.
// The convention used in training is stored with the model, and must be used for inference.
type Normalization string

const (
	// Rescale maps pixel values to [0, 1] (value / 255).
	Rescale Normalization = "rescale"

	// MobileNet maps pixel values to [-1, 1] (value / 127.5 - 1), the convention of
	// the original MobileNetV2 preprocessing.
	MobileNet Normalization = "mobilenet"
)

// ParseNormalization converts a configuration string to a Normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(s); n {
	case Rescale, MobileNet:
		return n, nil
	}
	return "", errors.Errorf("unknown pixel normalization %q, valid values are %q and %q", s, Rescale, MobileNet)
}

// scaleAndOffset returns the affine transformation applied to the [0,1] pixel values.
func (n Normalization) scaleAndOffset() (scale, offset float64, err error) {
	switch n {
	case Rescale:
		return 1, 0, nil
	case MobileNet:
		return 2, -1, nil
	}
	return 0, 0, errors.Errorf("unknown pixel normalization %q", n)
}

// Batch converts the images (all of the same size) to a float32 tensor shaped
// [len(images), height, width, 3] with the normalized values.
func (n Normalization) Batch(images []image.Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to convert to tensor")
	}
	scale, offset, err := n.scaleAndOffset()
	if err != nil {
		return nil, err
	}
	t := timage.ToTensor(dtypes.Float32).MaxValue(scale).Batch(images)
	if offset != 0 {
		err = tensors.MutableFlatData[float32](t, func(flat []float32) {
			for ii := range flat {
				flat[ii] += float32(offset)
			}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to normalize images tensor")
		}
	}
	return t, nil
}
