// Package profiles renders stored survey planes as ECharts HTML: a colored
// scatter of the measurement grid with a viridis ramp over the selected
// metric. These are debugging-grade views, not the analysis UI.
package profiles

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/flume.report/internal/store"
)

// viridis is the color ramp shared by all plane charts.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// Metric selects which measurement field a chart colors by.
type Metric string

const (
	MetricVelocity   Metric = "velocity"
	MetricFroude     Metric = "froude"
	MetricTurbulence Metric = "turbulence"
	MetricDepth      Metric = "depth"
)

func metricValue(m store.Measurement, metric Metric) (float64, error) {
	switch metric {
	case MetricVelocity:
		return m.VelocityMagnitude, nil
	case MetricFroude:
		return m.FroudeNumber, nil
	case MetricTurbulence:
		return m.TurbulenceIntensity, nil
	case MetricDepth:
		return m.DepthMean, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}
}

func metricLabel(metric Metric) string {
	switch metric {
	case MetricVelocity:
		return "velocity magnitude (m/s)"
	case MetricFroude:
		return "Froude number"
	case MetricTurbulence:
		return "turbulence intensity"
	case MetricDepth:
		return "depth (m)"
	default:
		return string(metric)
	}
}

// PlaneChart builds a grid scatter of one plane's measurements colored by
// the metric. Positions are plotted in feet from the survey origin.
func PlaneChart(plane store.Plane, ms []store.Measurement, metric Metric) (*charts.Scatter, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("plane %s has no measurements", plane.ID)
	}

	data := make([]opts.ScatterData, 0, len(ms))
	maxVal := 0.0
	maxX, maxY := 0.0, 0.0
	for _, m := range ms {
		val, err := metricValue(m, metric)
		if err != nil {
			return nil, err
		}
		if m.AllInvalid {
			// Low-confidence rows are plotted at zero so gaps in the grid
			// are visible rather than silently dropped.
			val = 0
		}
		if val > maxVal {
			maxVal = val
		}
		x, y := m.Position.XFeet, m.Position.YFeet
		if math.Abs(x) > maxX {
			maxX = math.Abs(x)
		}
		if math.Abs(y) > maxY {
			maxY = math.Abs(y)
		}
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, val}})
	}
	if maxVal == 0 {
		maxVal = 1
	}
	padX := maxX*1.05 + 0.1
	padY := maxY*1.05 + 0.1

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Flume Survey Plane", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Plane z=%g run %d", plane.ZPlane, plane.RunNumber),
			Subtitle: fmt.Sprintf("%s, %d positions", metricLabel(metric), len(data)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -0.1, Max: padX, Name: "X (ft)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -0.1, Max: padY, Name: "Y (ft)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries(string(metric), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	return scatter, nil
}

// RenderPlane writes the plane chart as a standalone HTML document.
func RenderPlane(w io.Writer, plane store.Plane, ms []store.Measurement, metric Metric) error {
	chart, err := PlaneChart(plane, ms, metric)
	if err != nil {
		return err
	}
	return chart.Render(w)
}

// ProfileChart builds a line chart of mean streamwise velocity along X for
// each distinct Y row of the plane, the classic cross-section profile view.
func ProfileChart(plane store.Plane, ms []store.Measurement) (*charts.Line, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("plane %s has no measurements", plane.ID)
	}

	// Rows arrive in row-major order: group by YSteps preserving order.
	type row struct {
		y      float64
		xs     []float64
		speeds []opts.LineData
	}
	var rows []*row
	index := map[int]*row{}
	for _, m := range ms {
		r, ok := index[m.Position.YSteps]
		if !ok {
			r = &row{y: m.Position.YFeet}
			index[m.Position.YSteps] = r
			rows = append(rows, r)
		}
		r.xs = append(r.xs, m.Position.XFeet)
		r.speeds = append(r.speeds, opts.LineData{Value: m.VelocityMagnitude})
	}

	var xAxis []string
	for _, x := range rows[0].xs {
		xAxis = append(xAxis, fmt.Sprintf("%.2f", x))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Flume Velocity Profile", Theme: "dark", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Velocity profile z=%g run %d", plane.ZPlane, plane.RunNumber),
			Subtitle: "mean velocity magnitude by cross-stream row",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (ft)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "velocity (m/s)"}),
	)
	line.SetXAxis(xAxis)
	for _, r := range rows {
		line.AddSeries(fmt.Sprintf("y=%.2f ft", r.y), r.speeds)
	}
	return line, nil
}

// RenderProfile writes the profile chart as a standalone HTML document.
func RenderProfile(w io.Writer, plane store.Plane, ms []store.Measurement) error {
	chart, err := ProfileChart(plane, ms)
	if err != nil {
		return err
	}
	return chart.Render(w)
}
