// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots converts the training history into plot points, and renders them as tables or PNG plots.
package plots

import (
	"fmt"
	"image/color"
	"maps"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/ddp/pkg/ml/train/history"
	"github.com/gomlx/ddp/pkg/support/fsutil"
	types "github.com/gomlx/ddp/pkg/support/sets"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Point represents a training plot point.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType typically will be "loss" or "duration".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the global step this metric was measured.
	// Usually, this is an int value, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64
}

// FromLedger returns the points of the epoch records of a training ledger: the mean and last loss, and
// the duration in seconds of each epoch.
func FromLedger(epochs []history.EpochRecord) []Point {
	points := make([]Point, 0, 3*len(epochs))
	for _, record := range epochs {
		step := float64(record.GlobalStep)
		points = append(points,
			Point{MetricName: "Mean Loss", Short: "loss", MetricType: "loss", Step: step, Value: record.MeanLoss},
			Point{MetricName: "Last Loss", Short: "last", MetricType: "loss", Step: step, Value: record.LastLoss},
			Point{MetricName: "Epoch Duration (s)", Short: "secs", MetricType: "duration", Step: step,
				Value: record.Duration.Seconds()},
		)
	}
	return points
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	metricNames := types.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	names := types.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	// Headers from metric names.
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Step"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	// Add rows:
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// lineColors used for the lines of a plot, in order.
var lineColors = []color.RGBA{
	{R: 0x70, G: 0x50, B: 0x90, A: 0xff},
	{R: 0xe0, G: 0x60, B: 0x30, A: 0xff},
	{R: 0x30, G: 0x90, B: 0x60, A: 0xff},
	{R: 0x30, G: 0x60, B: 0xc0, A: 0xff},
}

// SavePNG plots the metrics of the given type as lines over the global step, and saves the plot as a PNG file.
func (points Points) SavePNG(filePath, title, metricType string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "global step"
	p.Y.Label.Text = metricType
	p.Legend.Top = true

	lines := make(map[string]plotter.XYs)
	points.Map(func(pt *Point) {
		if pt.MetricType == metricType {
			lines[pt.MetricName] = append(lines[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
		}
	})
	if len(lines) == 0 {
		return errors.Errorf("no points of metric type %q to plot", metricType)
	}
	for ii, name := range slices.Sorted(maps.Keys(lines)) {
		line, err := plotter.NewLine(lines[name])
		if err != nil {
			return errors.Wrapf(err, "creating line for %q", name)
		}
		line.Color = lineColors[ii%len(lineColors)]
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Add(plotter.NewGrid())
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
