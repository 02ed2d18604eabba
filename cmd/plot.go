package cmd

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// exactPoints is the resolution of the exact-solution curves.
const exactPoints = 400

// savePlot draws every solution component against t, with the exact
// solution dashed when it is known. The format follows the file extension.
func savePlot(path string, res *Result) error {
	if len(res.Samples) == 0 {
		return fmt.Errorf("no samples to plot")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s with %s", res.Problem, res.Method)
	p.X.Label.Text = "t"
	p.Y.Label.Text = "y"
	p.Add(plotter.NewGrid())

	t0, tf := res.Samples[0].T, res.Samples[len(res.Samples)-1].T
	for i, label := range res.Labels {
		pts := make(plotter.XYs, len(res.Samples))
		for k, s := range res.Samples {
			pts[k].X, pts[k].Y = s.T, s.Y[i]
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("component %s: %w", label, err)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(label, line, points)

		if res.exact == nil || tf <= t0 {
			continue
		}
		exact, err := plotter.NewLine(sampleExact(res.exact, len(res.Labels), i, t0, tf))
		if err != nil {
			return fmt.Errorf("exact %s: %w", label, err)
		}
		exact.Color = plotutil.Color(i)
		exact.Dashes = plotutil.Dashes(1)
		p.Add(exact)
		p.Legend.Add(label+" (exact)", exact)
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot %s: %w", path, err)
	}
	return nil
}

func sampleExact(exact func(float64, []float64), n, comp int, t0, tf float64) plotter.XYs {
	y := make([]float64, n)
	pts := make(plotter.XYs, exactPoints)
	for k := range pts {
		t := t0 + (tf-t0)*float64(k)/float64(exactPoints-1)
		exact(t, y)
		pts[k].X, pts[k].Y = t, y[comp]
	}
	return pts
}
