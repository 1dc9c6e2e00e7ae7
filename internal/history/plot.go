// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotWidth and PlotHeight are the size of the training history image.
var (
	PlotWidth  = 12 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

func metricPlot(h History, title, yLabel, train, validation string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Legend.Left = true

	trainPts := make(plotter.XYs, len(h))
	valPts := make(plotter.XYs, len(h))
	trainValues, valValues := h.Column(train), h.Column(validation)
	for ii, e := range h {
		trainPts[ii].X = float64(e.Epoch + 1)
		trainPts[ii].Y = trainValues[ii]
		valPts[ii].X = trainPts[ii].X
		valPts[ii].Y = valValues[ii]
	}
	if err := plotutil.AddLinePoints(p, "Train", trainPts, "Validation", valPts); err != nil {
		return nil, errors.Wrapf(err, "failed to plot %s", title)
	}
	return p, nil
}

// Plot draws the training history side by side: accuracy on the left and loss on the right, both for the
// training and the validation datasets. It returns the PNG canvas.
func (h History) Plot() (*vgimg.PngCanvas, error) {
	if len(h) == 0 {
		return nil, errors.New("history: no epochs to plot")
	}
	accuracy, err := metricPlot(h, "Model Accuracy", "Accuracy", "accuracy", "val_accuracy")
	if err != nil {
		return nil, err
	}
	loss, err := metricPlot(h, "Model Loss", "Loss", "loss", "val_loss")
	if err != nil {
		return nil, err
	}

	img := vgimg.New(PlotWidth, PlotHeight)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter * 6, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2}
	plots := [][]*plot.Plot{{accuracy, loss}}
	canvases := plot.Align(plots, tiles, dc)
	accuracy.Draw(canvases[0][0])
	loss.Draw(canvases[0][1])
	return &vgimg.PngCanvas{Canvas: img}, nil
}

// SavePlot writes the training history plot as a PNG image to filePath.
func (h History) SavePlot(filePath string) error {
	png, err := h.Plot()
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
		return errors.Wrapf(err, "failed to write plot to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
