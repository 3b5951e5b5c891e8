package monitor

import (
	"fmt"
	"image/color"
	"math"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/httputil"
)

// handleCloudPNG renders the latest cloud as a static top-down PNG.
// Useful for scripts and reports where the echarts page is too heavy.
// Query params:
//   - max_points (optional; default 8000)
func (ws *WebServer) handleCloudPNG(w http.ResponseWriter, r *http.Request) {
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

	pts := make(plotter.XYs, 0, c.Len()/stride+1)
	maxAbs := 0.0
	for i := 0; i < c.Len(); i += stride {
		x := float64(c.X[i])
		y := float64(c.Y[i])
		if math.Abs(x) > maxAbs {
			maxAbs = math.Abs(x)
		}
		if math.Abs(y) > maxAbs {
			maxAbs = math.Abs(y)
		}
		pts = append(pts, plotter.XY{X: x, Y: y})
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Cloud %s (%d of %d points)", c.ID, len(pts), c.Len())
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("build scatter: %v", err))
		return
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 0x26, G: 0x82, B: 0x8e, A: 0xff}
	scatter.GlyphStyle.Radius = vg.Points(1)
	p.Add(scatter)

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render png: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		diag.Diagf("monitor: write png: %v", err)
	}
}
