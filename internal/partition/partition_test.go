// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizes(t *testing.T) {
	assert.Equal(t, Counts{7, 1, 2}, Sizes(10, 0.7))
	assert.Equal(t, Counts{14, 3, 3}, Sizes(20, 0.7))
	assert.Equal(t, Counts{2, 0, 1}, Sizes(3, 0.7))
	assert.Equal(t, Counts{0, 0, 0}, Sizes(0, 0.7))
	for n := range 200 {
		assert.Equal(t, n, Sizes(n, 0.7).Total())
	}
}

func TestPlan(t *testing.T) {
	var files []string
	for ii := range 57 {
		files = append(files, fmt.Sprintf("leaf_%03d.jpg", ii))
	}
	plan := Plan(files, 0.7, 42)

	// Disjoint and complete.
	var union []string
	for _, s := range Splits {
		union = append(union, plan[s]...)
	}
	slices.Sort(union)
	assert.Equal(t, files, union)
	assert.Equal(t, Sizes(57, 0.7), Counts{len(plan[Train]), len(plan[Validation]), len(plan[Test])})

	// Independent of the input order, and reproducible.
	reversed := slices.Clone(files)
	slices.Reverse(reversed)
	assert.Equal(t, plan, Plan(reversed, 0.7, 42))

	// A different seed gives a different split.
	assert.NotEqual(t, plan, Plan(files, 0.7, 7))
}

// writeImages creates numImages small PNG images under dir/className.
func writeImages(t *testing.T, dir, className string, numImages int) {
	classDir := filepath.Join(dir, className)
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	for ii := range numImages {
		img := image.NewNRGBA(image.Rect(0, 0, 20, 16))
		for y := range 16 {
			for x := range 20 {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(ii * 10), G: uint8(x * 10), B: uint8(y * 10), A: 255})
			}
		}
		f, err := os.Create(filepath.Join(classDir, fmt.Sprintf("img_%02d.png", ii)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

// listSplit returns the file names of processedDir/split/className.
func listSplit(t *testing.T, processedDir string, split Split, className string) []string {
	entries, err := os.ReadDir(filepath.Join(processedDir, split.String(), className))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPartition(t *testing.T) {
	rawDir := t.TempDir()
	processedDir := filepath.Join(t.TempDir(), "processed")
	writeImages(t, rawDir, "Tomato___healthy", 10)
	writeImages(t, rawDir, "Apple___scab", 10)
	// A corrupt image is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "Apple___scab", "broken.jpg"), []byte("not a jpeg"), 0o644))
	// Non-image files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "Apple___scab", "notes.txt"), []byte("x"), 0o644))

	cfg := Config{
		RawDir:        rawDir,
		ProcessedDir:  processedDir,
		ImageSize:     8,
		TrainFraction: 0.7,
		Seed:          42,
		JPEGQuality:   90,
		Parallelism:   3,
	}
	require.False(t, Exists(processedDir))
	report, err := Partition(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"Apple___scab", "Tomato___healthy"}, report.Vocabulary.Names())
	assert.Equal(t, []Counts{{7, 1, 2}, {7, 1, 2}}, report.PerClass)
	assert.Equal(t, Counts{14, 2, 4}, report.Totals())
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "broken.jpg", filepath.Base(report.Skipped[0]))
	require.True(t, Exists(processedDir))

	first := make(map[Split][]string)
	for _, s := range Splits {
		names := listSplit(t, processedDir, s, "Apple___scab")
		first[s] = names
		for _, name := range names {
			assert.Equal(t, ".png", filepath.Ext(name), "names and formats are kept")
		}
	}
	v, err := Validate(processedDir)
	require.NoError(t, err)
	assert.True(t, report.Vocabulary.Equal(v))

	// Re-running over a fresh output reproduces the same assignment.
	cfg.ProcessedDir = filepath.Join(t.TempDir(), "processed_again")
	_, err = Partition(cfg)
	require.NoError(t, err)
	for _, s := range Splits {
		assert.Equal(t, first[s], listSplit(t, cfg.ProcessedDir, s, "Apple___scab"), "split %s", s)
	}
}

func TestPartitionNoClasses(t *testing.T) {
	_, err := Partition(Config{RawDir: t.TempDir(), ProcessedDir: t.TempDir(), ImageSize: 8, TrainFraction: 0.7})
	require.Error(t, err)
}

func TestPartitionSameStemDifferentExtension(t *testing.T) {
	rawDir := t.TempDir()
	processedDir := filepath.Join(t.TempDir(), "processed")
	classDir := filepath.Join(rawDir, "Grape___healthy")
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	for ii := range 5 {
		img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
		for y := range 12 {
			for x := range 12 {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(ii * 40), G: uint8(x * 20), B: uint8(y * 20), A: 255})
			}
		}
		require.NoError(t, imaging.Save(img, filepath.Join(classDir, fmt.Sprintf("leaf%d.png", ii))))
		require.NoError(t, imaging.Save(img, filepath.Join(classDir, fmt.Sprintf("leaf%d.jpg", ii))))
	}

	report, err := Partition(Config{
		RawDir:        rawDir,
		ProcessedDir:  processedDir,
		ImageSize:     8,
		TrainFraction: 0.7,
		Seed:          42,
		JPEGQuality:   90,
		Parallelism:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Totals().Total())

	var written []string
	for _, s := range Splits {
		names := listSplit(t, processedDir, s, "Grape___healthy")
		assert.Len(t, names, report.PerClass[0][s], "split %s", s)
		for _, name := range names {
			img, err := imaging.Open(filepath.Join(processedDir, s.String(), "Grape___healthy", name))
			require.NoError(t, err, "%s must decode in the format of its extension", name)
			assert.Equal(t, 8, img.Bounds().Dx())
		}
		written = append(written, names...)
	}
	slices.Sort(written)
	var want []string
	for ii := range 5 {
		want = append(want, fmt.Sprintf("leaf%d.jpg", ii), fmt.Sprintf("leaf%d.png", ii))
	}
	slices.Sort(want)
	assert.Equal(t, want, written)
}
