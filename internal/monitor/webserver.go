package monitor

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/calyx-robotics/scancloud/internal/assembler"
	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/config"
	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/fsutil"
	"github.com/calyx-robotics/scancloud/internal/httputil"
	"github.com/calyx-robotics/scancloud/internal/network"
	"github.com/calyx-robotics/scancloud/internal/recorder"
	"github.com/calyx-robotics/scancloud/internal/security"
	"github.com/calyx-robotics/scancloud/internal/store"
	"github.com/calyx-robotics/scancloud/internal/stream"
	"github.com/calyx-robotics/scancloud/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer serves the monitoring surface of the assembler. Every
// dependency is optional: sections back off with 404s or disappear from
// the status page when their component is not wired in.
type WebServer struct {
	address   string
	udpPort   int
	grpcAddr  string
	exportDir string
	started   time.Time

	source      *network.TrafficStats
	integrator  *assembler.Integrator
	pipeline    *assembler.Pipeline
	accumulator *cloud.Accumulator
	stream      *stream.Publisher
	recorder    *recorder.Recorder
	store       *store.Store
	latest      *CloudCache
	params      *config.AssemblyConfig

	server   *http.Server
	listener net.Listener
}

// WebServerConfig contains configuration options for the web server.
// Nil component fields disable the corresponding endpoints.
type WebServerConfig struct {
	Address   string
	UDPPort   int
	GRPCAddr  string
	ExportDir string

	Source      *network.TrafficStats
	Integrator  *assembler.Integrator
	Pipeline    *assembler.Pipeline
	Accumulator *cloud.Accumulator
	Stream      *stream.Publisher
	Recorder    *recorder.Recorder
	Store       *store.Store
	Latest      *CloudCache
	Params      *config.AssemblyConfig
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:     cfg.Address,
		udpPort:     cfg.UDPPort,
		grpcAddr:    cfg.GRPCAddr,
		exportDir:   cfg.ExportDir,
		started:     time.Now(),
		source:      cfg.Source,
		integrator:  cfg.Integrator,
		pipeline:    cfg.Pipeline,
		accumulator: cfg.Accumulator,
		stream:      cfg.Stream,
		recorder:    cfg.Recorder,
		store:       cfg.Store,
		latest:      cfg.Latest,
		params:      cfg.Params,
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

// Mux returns the fully-routed handler so callers can mount extra
// routes (the store's admin surface) before Start.
func (ws *WebServer) Mux() *http.ServeMux {
	return ws.server.Handler.(*http.ServeMux)
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/healthz", ws.handleHealth)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/params", ws.handleParams)
	mux.HandleFunc("/api/clouds", ws.handleClouds)
	mux.HandleFunc("/api/cloud/latest", ws.handleCloudLatest)
	mux.HandleFunc("/api/export", ws.handleExport)
	mux.HandleFunc("/charts/cloud", ws.handleCloudChart)
	mux.HandleFunc("/charts/cloud.png", ws.handleCloudPNG)
	mux.HandleFunc("/charts/rate", ws.handleRateChart)

	return mux
}

// Start binds the listener and serves until ctx is cancelled. The bind
// happens synchronously so callers see port conflicts immediately.
func (ws *WebServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", ws.address)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", ws.address, err)
	}
	ws.listener = lis
	diag.Opsf("monitor: serving on http://%s", lis.Addr())

	go func() {
		if err := ws.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			diag.Diagf("monitor: server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := ws.server.Shutdown(shutdownCtx); err != nil {
			diag.Diagf("monitor: shutdown error: %v", err)
			if err := ws.server.Close(); err != nil {
				diag.Diagf("monitor: force close error: %v", err)
			}
		}
		diag.Opsf("monitor: server stopped")
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (ws *WebServer) Addr() net.Addr {
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// Close shuts the server down immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

// handleHealth handles the health check endpoint.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "scancloud", "version": %q, "timestamp": "%s"}`,
		version.String(), time.Now().UTC().Format(time.RFC3339))
}

// pipelineStats is the /api/stats view of the scan queue.
type pipelineStats struct {
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
}

// cloudStats is the /api/stats view of the accumulator and cache.
type cloudStats struct {
	CloudsPublished uint64 `json:"clouds_published"`
	PointsPublished uint64 `json:"points_published"`
	LatestPoints    int    `json:"latest_points"`
}

// recorderStats is the /api/stats view of the cloud log writer.
type recorderStats struct {
	Path          string `json:"path"`
	Clouds        uint64 `json:"clouds"`
	DroppedWrites uint64 `json:"dropped_writes"`
}

// storeStats is the /api/stats view of the summary database.
type storeStats struct {
	store.Totals
	DroppedWrites uint64 `json:"dropped_writes"`
}

// statsPayload aggregates the per-component counters for /api/stats.
// Sections for components that are not wired in are omitted.
type statsPayload struct {
	Service       string                 `json:"service"`
	Version       string                 `json:"version"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Source        *network.StatsSnapshot `json:"source,omitempty"`
	Integrator    *assembler.Stats       `json:"integrator,omitempty"`
	Pipeline      *pipelineStats         `json:"pipeline,omitempty"`
	Clouds        *cloudStats            `json:"clouds,omitempty"`
	Stream        *stream.PublisherStats `json:"stream,omitempty"`
	Recorder      *recorderStats         `json:"recorder,omitempty"`
	Store         *storeStats            `json:"store,omitempty"`
}

func (ws *WebServer) buildStats() statsPayload {
	payload := statsPayload{
		Service:       "scancloud",
		Version:       version.Version,
		UptimeSeconds: time.Since(ws.started).Seconds(),
	}
	if ws.source != nil {
		payload.Source = ws.source.GetLatestSnapshot()
	}
	if ws.integrator != nil {
		s := ws.integrator.Stats()
		payload.Integrator = &s
	}
	if ws.pipeline != nil {
		payload.Pipeline = &pipelineStats{
			Submitted: ws.pipeline.Submitted(),
			Dropped:   ws.pipeline.Dropped(),
		}
	}
	if ws.accumulator != nil {
		cs := &cloudStats{
			CloudsPublished: ws.accumulator.CloudsPublished(),
			PointsPublished: ws.accumulator.PointsPublished(),
		}
		if ws.latest != nil {
			cs.LatestPoints = ws.latest.Len()
		}
		payload.Clouds = cs
	}
	if ws.stream != nil {
		s := ws.stream.Stats()
		payload.Stream = &s
	}
	if ws.recorder != nil {
		payload.Recorder = &recorderStats{
			Path:          ws.recorder.Path(),
			Clouds:        ws.recorder.CloudCount(),
			DroppedWrites: ws.recorder.DroppedWrites(),
		}
	}
	if ws.store != nil {
		totals, err := ws.store.CloudTotals()
		if err != nil {
			diag.Diagf("monitor: cloud totals: %v", err)
		} else {
			payload.Store = &storeStats{
				Totals:        totals,
				DroppedWrites: ws.store.DroppedWrites(),
			}
		}
	}
	return payload
}

// handleStats serves the aggregated component counters.
func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.buildStats())
}

// handleParams serves the effective assembly parameters: configured
// overrides merged over the defaults.
func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	params := ws.params
	if params == nil {
		params = config.EmptyAssemblyConfig()
	}
	httputil.WriteJSON(w, http.StatusOK, params.Resolved())
}

// handleClouds serves recent cloud history out of the store.
// Query params:
//
//	limit (optional, default 50, max 500)
func (ws *WebServer) handleClouds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.store == nil {
		httputil.NotFound(w, "no store configured")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > 500 {
			httputil.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = v
	}

	rows, err := ws.store.RecentClouds(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("recent clouds: %v", err))
		return
	}
	totals, err := ws.store.CloudTotals()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("cloud totals: %v", err))
		return
	}
	perHour, err := ws.store.CloudsPerHour(time.Now().Add(-24 * time.Hour))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("clouds per hour: %v", err))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, struct {
		Totals  store.Totals       `json:"totals"`
		Clouds  []store.CloudRow   `json:"clouds"`
		PerHour []store.HourBucket `json:"per_hour"`
	}{totals, rows, perHour})
}

// cloudSnapshot is the JSON form of an assembled cloud, downsampled for
// transport.
type cloudSnapshot struct {
	ID          string    `json:"id"`
	Frame       string    `json:"frame"`
	Stamp       time.Time `json:"stamp"`
	Layout      string    `json:"layout"`
	Scans       int       `json:"scans"`
	TotalPoints int       `json:"total_points"`
	Stride      int       `json:"stride"`
	X           []float32 `json:"x"`
	Y           []float32 `json:"y"`
	Z           []float32 `json:"z"`
	Intensity   []float32 `json:"intensity,omitempty"`
}

// maxPointsParam parses the max_points query parameter with the shared
// default and bounds.
func maxPointsParam(r *http.Request) int {
	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}
	return maxPoints
}

// sampleStride returns the stride that brings n points under maxPoints.
func sampleStride(n, maxPoints int) int {
	if n <= maxPoints {
		return 1
	}
	return (n + maxPoints - 1) / maxPoints
}

// handleCloudLatest serves the most recent assembled cloud as JSON.
// Query params:
//
//	max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handleCloudLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
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
	snap := cloudSnapshot{
		ID:          c.ID,
		Frame:       c.Frame,
		Stamp:       c.Stamp,
		Layout:      c.Layout.String(),
		Scans:       c.Scans,
		TotalPoints: c.Len(),
		Stride:      stride,
	}
	for i := 0; i < c.Len(); i += stride {
		snap.X = append(snap.X, c.X[i])
		snap.Y = append(snap.Y, c.Y[i])
		snap.Z = append(snap.Z, c.Z[i])
		if len(c.Intensity) > 0 {
			snap.Intensity = append(snap.Intensity, c.Intensity[i])
		}
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// handleExport writes the most recent cloud to the export directory.
// POST only. Query params:
//
//	format (optional; "pcd" or "asc", default "pcd")
//	encoding (optional; "binary" or "ascii" for pcd, default "binary")
//	name (optional; defaults to the cloud ID)
func (ws *WebServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.latest == nil {
		httputil.NotFound(w, "no cloud cache configured")
		return
	}
	if ws.exportDir == "" {
		httputil.NotFound(w, "no export directory configured")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "pcd"
	}
	if format != "pcd" && format != "asc" {
		httputil.BadRequest(w, fmt.Sprintf("unknown format %q", format))
		return
	}
	binary := true
	if enc := r.URL.Query().Get("encoding"); enc != "" {
		switch enc {
		case "binary":
		case "ascii":
			binary = false
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown encoding %q", enc))
			return
		}
	}

	c := ws.latest.Latest()
	if c == nil {
		httputil.NotFound(w, "no cloud assembled yet")
		return
	}
	defer c.Release()

	name := r.URL.Query().Get("name")
	if name == "" {
		name = c.ID
	}

	fs := fsutil.OSFileSystem{}
	if err := fs.MkdirAll(ws.exportDir, 0o755); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("create export directory: %v", err))
		return
	}
	// Belt and braces on top of the exporter's name sanitizing: reject any
	// target that resolves outside the export directory.
	base := security.SanitizeFilename(name)
	if filepath.Ext(base) != "."+format {
		base += "." + format
	}
	target := filepath.Join(ws.exportDir, base)
	if err := security.ValidatePathWithinDirectory(target, ws.exportDir); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid export name: %v", err))
		return
	}

	exporter := &cloud.Exporter{FS: fs, Dir: ws.exportDir}
	var path string
	var err error
	switch format {
	case "pcd":
		path, err = exporter.ExportPCD(name, c, binary)
	case "asc":
		path, err = exporter.ExportASC(name, c)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("export failed: %v", err))
		return
	}

	diag.Opsf("monitor: exported cloud %s to %s", c.ID, path)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"path":   path,
		"format": format,
		"points": c.Len(),
	})
}

// statusData feeds the status page template.
type statusData struct {
	Version   string
	Address   string
	UDPPort   int
	GRPCAddr  string
	ExportDir string
	Uptime    string

	Source *network.StatsSnapshot
	Stats  statsPayload

	CloudsPublished string
	PointsPublished string
	LatestPoints    string
}

// handleStatus serves the HTML status page.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	stats := ws.buildStats()
	data := statusData{
		Version:   version.String(),
		Address:   ws.address,
		UDPPort:   ws.udpPort,
		GRPCAddr:  ws.grpcAddr,
		ExportDir: ws.exportDir,
		Uptime:    time.Since(ws.started).Round(time.Second).String(),
		Source:    stats.Source,
		Stats:     stats,
	}
	if stats.Clouds != nil {
		data.CloudsPublished = network.FormatWithCommas(int64(stats.Clouds.CloudsPublished))
		data.PointsPublished = network.FormatWithCommas(int64(stats.Clouds.PointsPublished))
		data.LatestPoints = network.FormatWithCommas(int64(stats.Clouds.LatestPoints))
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}
