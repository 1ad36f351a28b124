// Package qc renders quality-control plots for alignment and
// quantification runs.
package qc

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveMotionPlot renders the per-frame motion totals of an alignment
// run: one line for the floating role and one for the reference role,
// with the selected reference frame marked.
func SaveMotionPlot(outPath string, fsum, rsum []float64, refFrame int) error {
	if len(fsum) != len(rsum) {
		return fmt.Errorf("motion sum lengths differ: %d vs %d", len(fsum), len(rsum))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Frame alignment motion"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Motion (deg + mm)"

	fPts := make(plotter.XYs, len(fsum))
	rPts := make(plotter.XYs, len(rsum))
	for i := range fsum {
		fPts[i] = plotter.XY{X: float64(i), Y: fsum[i]}
		rPts[i] = plotter.XY{X: float64(i), Y: rsum[i]}
	}

	fLine, err := plotter.NewLine(fPts)
	if err != nil {
		return err
	}
	fLine.Color = color.RGBA{R: 200, A: 255}
	fLine.Width = vg.Points(1)
	p.Add(fLine)
	p.Legend.Add("floating", fLine)

	rLine, err := plotter.NewLine(rPts)
	if err != nil {
		return err
	}
	rLine.Color = color.RGBA{B: 200, A: 255}
	rLine.Width = vg.Points(1)
	p.Add(rLine)
	p.Legend.Add("reference", rLine)

	refPts := plotter.XYs{{X: float64(refFrame), Y: fsum[refFrame]}}
	refMark, err := plotter.NewScatter(refPts)
	if err != nil {
		return err
	}
	p.Add(refMark)
	p.Legend.Add(fmt.Sprintf("selected frame %d", refFrame), refMark)

	p.Legend.Top = true

	if err := p.Save(10*vg.Inch, 5*vg.Inch, outPath); err != nil {
		return fmt.Errorf("failed to save motion plot: %w", err)
	}
	return nil
}

// SaveCoveragePlot renders per-region axial coverage profiles: the
// number of mask voxels in every z slice, one line per region in
// alphabetical order. Regions with a nil mask are skipped.
func SaveCoveragePlot(outPath string, nz, ny, nx int, masks map[string][]bool) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	names := make([]string, 0, len(masks))
	for name, mask := range masks {
		if mask != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no masks to plot")
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = "VOI axial coverage"
	p.X.Label.Text = "Slice (z)"
	p.Y.Label.Text = "Mask voxels"

	sliceLen := ny * nx
	for i, name := range names {
		mask := masks[name]
		if len(mask) != nz*sliceLen {
			return fmt.Errorf("mask %s has %d voxels, grid expects %d", name, len(mask), nz*sliceLen)
		}

		pts := make(plotter.XYs, nz)
		for z := 0; z < nz; z++ {
			count := 0
			for _, m := range mask[z*sliceLen : (z+1)*sliceLen] {
				if m {
					count++
				}
			}
			pts[z] = plotter.XY{X: float64(z), Y: float64(count)}
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		hue := uint8(40 + 180*i/len(names))
		line.Color = color.RGBA{R: hue, G: 80, B: 255 - hue, A: 255}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true

	if err := p.Save(10*vg.Inch, 5*vg.Inch, outPath); err != nil {
		return fmt.Errorf("failed to save coverage plot: %w", err)
	}
	return nil
}

// SaveSUVrPlot renders the per-region SUVr values as a bar chart, one
// bar per VOI in alphabetical order.
func SaveSUVrPlot(outPath, refRegion string, ratios map[string]float64) error {
	if len(ratios) == 0 {
		return fmt.Errorf("no SUVr values to plot")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	names := make([]string, 0, len(ratios))
	for name := range ratios {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(plotter.Values, len(names))
	for i, name := range names {
		values[i] = ratios[name]
	}

	p := plot.New()
	p.Title.Text = "SUVr (reference: " + refRegion + ")"
	p.Y.Label.Text = "SUVr"

	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return err
	}
	bars.Color = color.RGBA{R: 60, G: 100, B: 180, A: 255}
	p.Add(bars)
	p.NominalX(names...)

	if err := p.Save(vg.Length(float64(len(names)))*vg.Inch+4*vg.Inch, 5*vg.Inch, outPath); err != nil {
		return fmt.Errorf("failed to save SUVr plot: %w", err)
	}
	return nil
}
