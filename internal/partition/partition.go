// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package partition splits a directory of labeled images (one sub-directory per class) into
// train, validation and test trees of resized images.
//
// The split is done per class and is deterministic: for an unchanged input tree and seed, every
// image is always assigned to the same split.
package partition

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cropdoc/cropdisease/internal/imageutil"
	"github.com/cropdoc/cropdisease/internal/vocab"
	"github.com/cropdoc/cropdisease/internal/workerspool"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Split is one of the partitions of the data.
type Split int

const (
	Train Split = iota
	Validation
	Test
)

// Splits lists all splits in order.
var Splits = []Split{Train, Validation, Test}

// String returns the directory name of the split.
func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Validation:
		return "val"
	case Test:
		return "test"
	}
	return fmt.Sprintf("Split(%d)", int(s))
}

// Config for Partition.
type Config struct {
	// RawDir holds one sub-directory per class, with the images.
	RawDir string

	// ProcessedDir is where the {train,val,test}/<class> trees are written.
	ProcessedDir string

	// ImageSize of the written (square) images.
	ImageSize int

	// TrainFraction of each class goes to training, the remainder is split evenly between validation
	// and test (with the extra image going to test).
	TrainFraction float64

	// Seed of the random permutation.
	Seed int64

	// JPEGQuality of the images written as JPEG. PNG images are written as PNG.
	JPEGQuality int

	// Parallelism is the number of images processed concurrently. If 0 it uses runtime.NumCPU().
	Parallelism int

	// ProgressBar shows a progress bar of the images processed.
	ProgressBar bool
}

// Counts holds the number of images in each split.
type Counts [3]int

// Total number of images in all splits.
func (c Counts) Total() int { return c[Train] + c[Validation] + c[Test] }

// Report is the result of a Partition.
type Report struct {
	// Vocabulary of the classes found in the raw directory.
	Vocabulary *vocab.Vocabulary

	// PerClass counts of images written, indexed as the Vocabulary.
	PerClass []Counts

	// Skipped lists the images that couldn't be read.
	Skipped []string
}

// Totals sums the counts over all classes.
func (r *Report) Totals() (totals Counts) {
	for _, c := range r.PerClass {
		for _, s := range Splits {
			totals[s] += c[s]
		}
	}
	return
}

// Sizes returns how many of n images go to each split.
//
// The train size is rounded down, and the remainder is halved between validation (rounded down)
// and test. So 10 images are split 7/1/2 at 0.7 train fraction.
func Sizes(n int, trainFraction float64) Counts {
	// The small epsilon avoids 0.7*10=6.999... rounding down to 6.
	nTrain := int(math.Floor(float64(n)*trainFraction + 1e-9))
	rest := n - nTrain
	nVal := rest / 2
	return Counts{nTrain, nVal, rest - nVal}
}

// Plan assigns each of the given files to a split. Files are sorted by name before a seeded
// random permutation is drawn, so the result only depends on the set of names, the fraction and the seed.
//
// It returns the files of each split, in sorted order.
func Plan(files []string, trainFraction float64, seed int64) (assignment [3][]string) {
	sorted := slices.Clone(files)
	slices.Sort(sorted)
	sizes := Sizes(len(sorted), trainFraction)
	perm := rand.New(rand.NewSource(seed)).Perm(len(sorted))
	start := 0
	for _, s := range Splits {
		selected := make([]string, 0, sizes[s])
		for _, idx := range perm[start : start+sizes[s]] {
			selected = append(selected, sorted[idx])
		}
		slices.Sort(selected)
		assignment[s] = selected
		start += sizes[s]
	}
	return
}

// ClassImages lists the image files (only the base names) under the class directory.
func ClassImages(classDir string) ([]string, error) {
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", classDir)
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && imageutil.IsImageFile(entry.Name()) {
			files = append(files, entry.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

// Exists returns whether the processed tree looks complete: all three split directories exist and
// each has at least one class sub-directory.
func Exists(processedDir string) bool {
	for _, s := range Splits {
		entries, err := os.ReadDir(filepath.Join(processedDir, s.String()))
		if err != nil {
			return false
		}
		hasClass := slices.ContainsFunc(entries, func(e os.DirEntry) bool { return e.IsDir() })
		if !hasClass {
			return false
		}
	}
	return true
}

// Partition reads every class of cfg.RawDir, decodes and resizes the readable images, and writes them
// to cfg.ProcessedDir/<split>/<class>/.
//
// Unreadable images are skipped with a warning and don't count for the split sizes.
// Output directories are created if missing, but are never cleared.
func Partition(cfg Config) (*Report, error) {
	classes, err := vocab.Discover(cfg.RawDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "no classes to partition")
	}
	pool := workerspool.New(cfg.Parallelism)
	report := &Report{
		Vocabulary: classes,
		PerClass:   make([]Counts, classes.Len()),
	}

	// List all files first, so the progress bar knows the total.
	classFiles := make([][]string, classes.Len())
	total := 0
	for classIdx, className := range classes.Names() {
		classFiles[classIdx], err = ClassImages(filepath.Join(cfg.RawDir, className))
		if err != nil {
			return nil, err
		}
		total += len(classFiles[classIdx])
	}
	klog.Infof("Partitioning %d images of %d classes from %q into %q", total, classes.Len(), cfg.RawDir, cfg.ProcessedDir)

	var bar *progressbar.ProgressBar
	if cfg.ProgressBar {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Partitioning"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = bar.Finish() }()
	}

	for classIdx, className := range classes.Names() {
		classDir := filepath.Join(cfg.RawDir, className)
		encoded, skipped := encodeAll(classDir, classFiles[classIdx], cfg.ImageSize, cfg.JPEGQuality, pool, bar)
		report.Skipped = append(report.Skipped, skipped...)

		names := make([]string, 0, len(encoded))
		for name := range encoded {
			names = append(names, name)
		}
		assignment := Plan(names, cfg.TrainFraction, cfg.Seed)
		for _, s := range Splits {
			outDir := filepath.Join(cfg.ProcessedDir, s.String(), className)
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "failed to create output directory %q", outDir)
			}
			for _, name := range assignment[s] {
				outPath := filepath.Join(outDir, name)
				if err := os.WriteFile(outPath, encoded[name], 0o644); err != nil {
					return nil, errors.Wrapf(err, "failed to write image %q", outPath)
				}
			}
			report.PerClass[classIdx][s] = len(assignment[s])
		}
		klog.V(1).Infof("class %q: train=%d, val=%d, test=%d, skipped=%d", className,
			report.PerClass[classIdx][Train], report.PerClass[classIdx][Validation],
			report.PerClass[classIdx][Test], len(skipped))
	}
	return report, nil
}

// encodeAll loads, resizes and re-encodes the files of one class, in parallel.
// Each file keeps its name and is encoded in the format of its extension, so every input maps to
// exactly one output file.
// Unreadable files are logged and returned in skipped.
//
// Only the encoded bytes are kept in memory until the split is known.
func encodeAll(classDir string, files []string, size, quality int, pool *workerspool.Pool, bar *progressbar.ProgressBar) (
	encoded map[string][]byte, skipped []string) {
	encoded = make(map[string][]byte, len(files))
	var mu sync.Mutex
	_ = pool.ForEach(len(files), func(ii int) error {
		filePath := filepath.Join(classDir, files[ii])
		var buf bytes.Buffer
		format, err := imaging.FormatFromFilename(files[ii])
		if err == nil {
			var img image.Image
			img, err = imageutil.LoadResized(filePath, size)
			if err == nil {
				err = imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality))
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			klog.Warningf("Skipping unreadable image %q: %v", filePath, err)
			skipped = append(skipped, filePath)
		} else {
			encoded[files[ii]] = buf.Bytes()
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		return nil
	})
	slices.Sort(skipped)
	return
}

// Validate checks that the processed tree has the same classes in all splits, and returns its vocabulary.
func Validate(processedDir string) (*vocab.Vocabulary, error) {
	var first *vocab.Vocabulary
	for _, s := range Splits {
		v, err := vocab.Discover(filepath.Join(processedDir, s.String()))
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = v
			continue
		}
		if !first.Equal(v) {
			return nil, errors.Errorf("split %q has classes %s, but %q has %s", s, v, Train, first)
		}
	}
	return first, nil
}
