package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/calyx-robotics/scancloud/internal/httputil"
)

// echartsAssetsPrefix is where the chart pages load the echarts runtime
// from. Pointing at the upstream assets bundle keeps the binary free of
// embedded JS.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridisColors is the color ramp shared by the chart visual maps.
var viridisColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleCloudChart renders a top-down scatter (HTML) of the most recent
// assembled cloud using go-echarts. This is a debugging-only endpoint
// (no auth) to eyeball assembly output without an external viewer.
// Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handleCloudChart(w http.ResponseWriter, r *http.Request) {
	if ws.latest == nil {
		httputil.NotFound(w, "no cloud cache configured")
		return
	}
	c := ws.latest.Latest()
	if c == nil {
		httputil.NotFound(w, "no cloud assembled yet")
		return
	}
	defer c.Release()

	stride := sampleStride(c.Len(), maxPointsParam(r))

	// Color by intensity when the layout carries it, otherwise by height.
	useIntensity := len(c.Intensity) > 0
	colorName := "z (m)"
	if useIntensity {
		colorName = "intensity"
	}

	data := make([]opts.ScatterData, 0, c.Len()/stride+1)
	maxAbs := 0.0
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	for i := 0; i < c.Len(); i += stride {
		x := float64(c.X[i])
		y := float64(c.Y[i])
		if math.Abs(x) > maxAbs {
			maxAbs = math.Abs(x)
		}
		if math.Abs(y) > maxAbs {
			maxAbs = math.Abs(y)
		}

		val := float64(c.Z[i])
		if useIntensity {
			val = float64(c.Intensity[i])
		}
		if val < minVal {
			minVal = val
		}
		if val > maxVal {
			maxVal = val
		}

		data = append(data, opts.ScatterData{Value: []interface{}{x, y, val}})
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if len(data) == 0 || minVal > maxVal {
		minVal, maxVal = 0, 1
	}
	if maxVal == minVal {
		maxVal = minVal + 1
	}

	// Force a square plot by using equal width/height and symmetric axis ranges
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Assembled Cloud (Top-Down)", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Assembled Cloud", Subtitle: fmt.Sprintf("cloud=%s frame=%s points=%d stride=%d color=%s", c.ID, c.Frame, len(data), stride, colorName)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minVal),
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)

	scatter.AddSeries("points", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleRateChart renders a bar chart of cloud production per hour out
// of the store.
func (ws *WebServer) handleRateChart(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		httputil.NotFound(w, "no store configured")
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	buckets, err := ws.store.CloudsPerHour(since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("clouds per hour: %v", err))
		return
	}
	if len(buckets) == 0 {
		httputil.NotFound(w, "no cloud history yet")
		return
	}

	x := make([]string, 0, len(buckets))
	clouds := make([]opts.BarData, 0, len(buckets))
	points := make([]opts.BarData, 0, len(buckets))
	for _, b := range buckets {
		x = append(x, b.Hour)
		clouds = append(clouds, opts.BarData{Value: b.Clouds})
		points = append(points, opts.BarData{Value: b.Points})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Cloud Production", Subtitle: fmt.Sprintf("last 24h, %d buckets", len(buckets))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("clouds", clouds,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("points", points)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
