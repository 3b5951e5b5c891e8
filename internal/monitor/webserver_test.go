package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calyx-robotics/scancloud/internal/config"
	"github.com/calyx-robotics/scancloud/internal/network"
	"github.com/calyx-robotics/scancloud/internal/store"
)

func TestNewWebServer(t *testing.T) {
	latest := NewCloudCache()

	cfg := WebServerConfig{
		Address:   ":0",
		UDPPort:   8766,
		ExportDir: "/tmp/exports",
		Latest:    latest,
	}

	server := NewWebServer(cfg)

	if server == nil {
		t.Fatal("NewWebServer returned nil")
	}
	if server.latest != latest {
		t.Error("WebServer latest not set correctly")
	}
	if server.udpPort != 8766 {
		t.Error("WebServer udpPort not set correctly")
	}
	if server.exportDir != "/tmp/exports" {
		t.Error("WebServer exportDir not set correctly")
	}
	if server.server == nil {
		t.Fatal("WebServer http server not constructed")
	}
}

func TestWebServer_HealthHandler(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, err := http.NewRequest("GET", "/healthz", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Health handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}
	expected := "application/json"
	if ctype := rr.Header().Get("Content-Type"); ctype != expected {
		t.Errorf("Health handler returned wrong content type: got %v want %v",
			ctype, expected)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"status": "ok"`) {
		t.Error("Response should contain status: ok (with spaces)")
	}
	if !strings.Contains(body, `"service": "scancloud"`) {
		t.Error("Response should contain service: scancloud (with spaces)")
	}
}

func TestWebServer_StatusHandler(t *testing.T) {
	stats := network.NewTrafficStats()
	stats.AddDatagram(1262)
	stats.AddScan()
	stats.LogStats()

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		UDPPort: 8766,
		Source:  stats,
	})

	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Status handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "scancloud") {
		t.Error("Response should contain 'scancloud'")
	}
	if !strings.Contains(body, "8766") {
		t.Error("Response should contain the UDP port")
	}
	if !strings.Contains(body, "accumulator not wired") {
		t.Error("Response should mark the missing accumulator section")
	}
}

func TestWebServer_StatusHandlerUnknownPath(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, err := http.NewRequest("GET", "/nope", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown path returned %d, expected %d", rr.Code, http.StatusNotFound)
	}
}

func TestWebServer_StatsHandler(t *testing.T) {
	stats := network.NewTrafficStats()
	stats.AddDatagram(100)
	stats.LogStats()

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Source:  stats,
	})

	req, err := http.NewRequest("GET", "/api/stats", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("stats handler returned %d, expected %d", rr.Code, http.StatusOK)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("stats response is not valid JSON: %v", err)
	}
	if payload["service"] != "scancloud" {
		t.Errorf("service = %v, expected scancloud", payload["service"])
	}
	if _, ok := payload["uptime_seconds"]; !ok {
		t.Error("stats response missing uptime_seconds")
	}
	if _, ok := payload["source"]; !ok {
		t.Error("stats response missing source section")
	}
	// Unwired components must be omitted, not nulled.
	if _, ok := payload["integrator"]; ok {
		t.Error("stats response should omit integrator when not wired")
	}
}

func TestWebServer_StatsHandlerMethodNotAllowed(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, err := http.NewRequest("POST", "/api/stats", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/stats returned %d, expected %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestWebServer_ParamsHandler(t *testing.T) {
	overrides := config.EmptyAssemblyConfig()
	frame := "odom"
	overrides.RecoveryFrame = &frame

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Params:  overrides,
	})

	req, err := http.NewRequest("GET", "/api/params", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("params handler returned %d, expected %d", rr.Code, http.StatusOK)
	}

	var resolved config.AssemblyConfig
	if err := json.Unmarshal(rr.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("params response is not valid JSON: %v", err)
	}
	if resolved.TargetFrame == nil || *resolved.TargetFrame != "map" {
		t.Errorf("target_frame = %v, expected default map", resolved.TargetFrame)
	}
	if resolved.RecoveryFrame == nil || *resolved.RecoveryFrame != "odom" {
		t.Errorf("recovery_frame = %v, expected override odom", resolved.RecoveryFrame)
	}
}

func TestWebServer_ParamsHandlerNoConfig(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, err := http.NewRequest("GET", "/api/params", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("params handler returned %d, expected %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"target_frame"`) {
		t.Error("params response should carry defaults when no config is wired")
	}
}

func TestWebServer_CloudLatestHandler(t *testing.T) {
	latest := NewCloudCache()
	latest.PublishCloud(testCloud("cloud-7", 10))

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Latest:  latest,
	})

	req, err := http.NewRequest("GET", "/api/cloud/latest", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("cloud latest returned %d, expected %d", rr.Code, http.StatusOK)
	}

	var snap struct {
		ID          string    `json:"id"`
		Frame       string    `json:"frame"`
		Layout      string    `json:"layout"`
		TotalPoints int       `json:"total_points"`
		Stride      int       `json:"stride"`
		X           []float32 `json:"x"`
		Intensity   []float32 `json:"intensity"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("cloud latest response is not valid JSON: %v", err)
	}
	if snap.ID != "cloud-7" {
		t.Errorf("id = %q, expected cloud-7", snap.ID)
	}
	if snap.Layout != "xyzi" {
		t.Errorf("layout = %q, expected xyzi", snap.Layout)
	}
	if snap.TotalPoints != 10 {
		t.Errorf("total_points = %d, expected 10", snap.TotalPoints)
	}
	if snap.Stride != 1 {
		t.Errorf("stride = %d, expected 1", snap.Stride)
	}
	if len(snap.X) != 10 {
		t.Errorf("len(x) = %d, expected 10", len(snap.X))
	}
	if len(snap.Intensity) != 10 {
		t.Errorf("len(intensity) = %d, expected 10", len(snap.Intensity))
	}
}

func TestWebServer_CloudLatestDownsamples(t *testing.T) {
	latest := NewCloudCache()
	latest.PublishCloud(testCloud("big", 1000))

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Latest:  latest,
	})

	req, err := http.NewRequest("GET", "/api/cloud/latest?max_points=101", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("cloud latest returned %d, expected %d", rr.Code, http.StatusOK)
	}

	var snap struct {
		TotalPoints int       `json:"total_points"`
		Stride      int       `json:"stride"`
		X           []float32 `json:"x"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("cloud latest response is not valid JSON: %v", err)
	}
	if snap.TotalPoints != 1000 {
		t.Errorf("total_points = %d, expected 1000", snap.TotalPoints)
	}
	if snap.Stride != 10 {
		t.Errorf("stride = %d, expected 10", snap.Stride)
	}
	if len(snap.X) != 100 {
		t.Errorf("len(x) = %d, expected 100", len(snap.X))
	}
}

func TestWebServer_CloudLatestEmpty(t *testing.T) {
	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Latest:  NewCloudCache(),
	})

	req, err := http.NewRequest("GET", "/api/cloud/latest", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("cloud latest with empty cache returned %d, expected %d", rr.Code, http.StatusNotFound)
	}
}

func TestWebServer_ExportHandler(t *testing.T) {
	exportDir := t.TempDir()
	latest := NewCloudCache()
	latest.PublishCloud(testCloud("cloud-9", 5))

	server := NewWebServer(WebServerConfig{
		Address:   ":0",
		ExportDir: exportDir,
		Latest:    latest,
	})
	mux := server.setupRoutes()

	req, err := http.NewRequest("POST", "/api/export?format=asc&name=test-export", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("export returned %d, expected %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Path   string `json:"path"`
		Format string `json:"format"`
		Points int    `json:"points"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("export response is not valid JSON: %v", err)
	}
	if resp.Format != "asc" {
		t.Errorf("format = %q, expected asc", resp.Format)
	}
	if resp.Points != 5 {
		t.Errorf("points = %d, expected 5", resp.Points)
	}
	if filepath.Dir(resp.Path) != exportDir {
		t.Errorf("export path %q not under %q", resp.Path, exportDir)
	}
	if _, err := os.Stat(resp.Path); err != nil {
		t.Errorf("exported file missing: %v", err)
	}
}

func TestWebServer_ExportHandlerRejects(t *testing.T) {
	latest := NewCloudCache()
	latest.PublishCloud(testCloud("cloud-9", 5))

	server := NewWebServer(WebServerConfig{
		Address:   ":0",
		ExportDir: t.TempDir(),
		Latest:    latest,
	})
	mux := server.setupRoutes()

	tests := []struct {
		name   string
		method string
		url    string
		want   int
	}{
		{"get not allowed", "GET", "/api/export", http.StatusMethodNotAllowed},
		{"unknown format", "POST", "/api/export?format=xyz", http.StatusBadRequest},
		{"unknown encoding", "POST", "/api/export?encoding=gzip", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			if err != nil {
				t.Fatal(err)
			}
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("%s %s returned %d, expected %d", tt.method, tt.url, rr.Code, tt.want)
			}
		})
	}
}

func TestWebServer_ExportHandlerNoCloud(t *testing.T) {
	server := NewWebServer(WebServerConfig{
		Address:   ":0",
		ExportDir: t.TempDir(),
		Latest:    NewCloudCache(),
	})

	req, err := http.NewRequest("POST", "/api/export", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("export with empty cache returned %d, expected %d", rr.Code, http.StatusNotFound)
	}
}

func TestWebServer_CloudChart(t *testing.T) {
	latest := NewCloudCache()
	latest.PublishCloud(testCloud("chart-1", 50))

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Latest:  latest,
	})

	req, err := http.NewRequest("GET", "/charts/cloud", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("cloud chart returned %d, expected %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, "echarts") {
		t.Error("chart response should reference echarts assets")
	}
	if !strings.Contains(body, "chart-1") {
		t.Error("chart subtitle should name the cloud")
	}
}

func TestWebServer_CloudChartEmpty(t *testing.T) {
	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Latest:  NewCloudCache(),
	})

	req, err := http.NewRequest("GET", "/charts/cloud", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("cloud chart with empty cache returned %d, expected %d", rr.Code, http.StatusNotFound)
	}
}

func TestWebServer_CloudPNG(t *testing.T) {
	latest := NewCloudCache()
	latest.PublishCloud(testCloud("png-1", 50))

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Latest:  latest,
	})

	req, err := http.NewRequest("GET", "/charts/cloud.png", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("cloud png returned %d, expected %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if ctype := rr.Header().Get("Content-Type"); ctype != "image/png" {
		t.Errorf("cloud png content type = %q, expected image/png", ctype)
	}
	body := rr.Body.Bytes()
	if len(body) < 8 || string(body[1:4]) != "PNG" {
		t.Error("response body is not a PNG")
	}
}

func TestWebServer_CloudsHandler(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "clouds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c := testCloud("stored-1", 25)
	if err := st.RecordCloud(c); err != nil {
		t.Fatalf("record cloud: %v", err)
	}

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Store:   st,
	})
	mux := server.setupRoutes()

	req, err := http.NewRequest("GET", "/api/clouds", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("clouds handler returned %d, expected %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Totals store.Totals     `json:"totals"`
		Clouds []store.CloudRow `json:"clouds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("clouds response is not valid JSON: %v", err)
	}
	if resp.Totals.Clouds != 1 {
		t.Errorf("totals.clouds = %d, expected 1", resp.Totals.Clouds)
	}
	if len(resp.Clouds) != 1 || resp.Clouds[0].ID != "stored-1" {
		t.Errorf("clouds = %+v, expected single row stored-1", resp.Clouds)
	}

	// Bad limit is rejected.
	req, err = http.NewRequest("GET", "/api/clouds?limit=0", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("limit=0 returned %d, expected %d", rr.Code, http.StatusBadRequest)
	}
}

func TestWebServer_RateChart(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "clouds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c := testCloud("rate-1", 10)
	c.Stamp = time.Now().UTC()
	if err := st.RecordCloud(c); err != nil {
		t.Fatalf("record cloud: %v", err)
	}

	server := NewWebServer(WebServerConfig{
		Address: ":0",
		Store:   st,
	})

	req, err := http.NewRequest("GET", "/charts/rate", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("rate chart returned %d, expected %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "echarts") {
		t.Error("rate chart response should reference echarts assets")
	}
}

func TestWebServer_RateChartNoStore(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, err := http.NewRequest("GET", "/charts/rate", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("rate chart without store returned %d, expected %d", rr.Code, http.StatusNotFound)
	}
}

func TestWebServer_StartStop(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := server.Addr()
	if addr == nil {
		t.Fatal("Addr returned nil after Start")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d, expected %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	// Give the shutdown goroutine time to drain the server.
	time.Sleep(200 * time.Millisecond)

	if _, err := http.Get("http://" + addr.String() + "/healthz"); err == nil {
		t.Error("server still serving after context cancellation")
	}
}

func TestWebServer_StartPortConflict(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()

	server := NewWebServer(WebServerConfig{Address: lis.Addr().String()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err == nil {
		server.Close()
		t.Error("Start on an occupied port should fail")
	}
}
