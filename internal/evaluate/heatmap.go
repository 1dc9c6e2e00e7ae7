// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// MaxAnnotatedClasses is the largest number of classes for which the counts are written in the cells.
const MaxAnnotatedClasses = 20

// confusionGrid implements plotter.GridXYZ: columns are the predicted classes, rows the true ones,
// with the first class at the top.
type confusionGrid [][]int

func (g confusionGrid) Dims() (c, r int)   { return len(g), len(g) }
func (g confusionGrid) Z(c, r int) float64 { return float64(g[r][c]) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(len(g) - 1 - r) }

func classTicks(names []string, reversed bool) plot.ConstantTicks {
	ticks := make(plot.ConstantTicks, len(names))
	for ii, name := range names {
		value := float64(ii)
		if reversed {
			value = float64(len(names) - 1 - ii)
		}
		ticks[ii] = plot.Tick{Value: value, Label: name}
	}
	return ticks
}

// ConfusionMatrixPlot draws the confusion matrix as a heatmap and returns the PNG canvas.
func (r *Report) ConfusionMatrixPlot() (*vgimg.PngCanvas, error) {
	names := r.Vocabulary.Names()
	grid := confusionGrid(r.Confusion)
	p := plot.New()
	p.Title.Text = "Confusion Matrix"
	p.X.Label.Text = "Predicted Label"
	p.Y.Label.Text = "True Label"
	p.X.Tick.Marker = classTicks(names, false)
	p.Y.Tick.Marker = classTicks(names, true)
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter

	heatMap := plotter.NewHeatMap(grid, palette.Heat(64, 1))
	if heatMap.Max == heatMap.Min {
		heatMap.Max = heatMap.Min + 1
	}
	p.Add(heatMap)

	if len(names) <= MaxAnnotatedClasses {
		labels := plotter.XYLabels{}
		for row := range grid {
			for col := range grid {
				labels.XYs = append(labels.XYs, plotter.XY{X: grid.X(col), Y: grid.Y(row)})
				labels.Labels = append(labels.Labels, strconv.Itoa(grid[row][col]))
			}
		}
		cellLabels, err := plotter.NewLabels(labels)
		if err != nil {
			return nil, errors.Wrap(err, "failed to annotate the confusion matrix")
		}
		for ii := range cellLabels.TextStyle {
			cellLabels.TextStyle[ii].XAlign = draw.XCenter
			cellLabels.TextStyle[ii].YAlign = draw.YCenter
		}
		p.Add(cellLabels)
	}

	size := max(6*vg.Inch, vg.Length(len(names))*vg.Inch/2)
	img := vgimg.New(size+2*vg.Inch, size+2*vg.Inch)
	p.Draw(draw.New(img))
	return &vgimg.PngCanvas{Canvas: img}, nil
}

// SaveConfusionMatrix writes the confusion matrix heatmap as a PNG image to filePath.
func (r *Report) SaveConfusionMatrix(filePath string) error {
	png, err := r.ConfusionMatrixPlot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if _, err = png.WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write confusion matrix to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
