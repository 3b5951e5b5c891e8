// Command cloud-export writes assembled clouds out as PCD or ASC files.
// It reads either a recorded cloud log (-log) or the latest cloud from
// a running assembler's HTTP API (-from).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/fsutil"
	"github.com/calyx-robotics/scancloud/internal/httputil"
	"github.com/calyx-robotics/scancloud/internal/recorder"
)

var (
	logPath = flag.String("log", "", "recorded cloud log directory to read")
	fromURL = flag.String("from", "", "assembler base URL to fetch the latest cloud from (e.g. http://127.0.0.1:8766)")

	outDir   = flag.String("out", ".", "directory to write exports into")
	format   = flag.String("format", "pcd", "export format: pcd or asc")
	encoding = flag.String("encoding", "binary", "pcd encoding: binary or ascii")
	name     = flag.String("name", "", "output file name (default: the cloud id)")

	index     = flag.Int64("index", -1, "cloud index in the log to export (-1 = last)")
	all       = flag.Bool("all", false, "export every cloud in the log")
	maxPoints = flag.Int("max-points", 50000, "point cap when fetching over HTTP")
)

// cloudSnapshot mirrors the assembler's /api/cloud/latest response.
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
	Intensity   []float32 `json:"intensity"`
}

func (s *cloudSnapshot) toCloud() (*cloud.PointCloud, error) {
	layout, err := cloud.ParseLayout(s.Layout)
	if err != nil {
		return nil, err
	}
	if len(s.X) != len(s.Y) || len(s.X) != len(s.Z) {
		return nil, fmt.Errorf("snapshot axes disagree: %d/%d/%d values", len(s.X), len(s.Y), len(s.Z))
	}
	if layout != cloud.LayoutXYZ && len(s.Intensity) != len(s.X) {
		// A downsampled snapshot without intensities cannot fill the
		// channel honestly, so export plain XYZ instead.
		layout = cloud.LayoutXYZ
	}

	c := cloud.GetPointCloud(layout)
	c.ID = s.ID
	c.Frame = s.Frame
	c.Stamp = s.Stamp
	c.Scans = s.Scans
	c.X = append(c.X, s.X...)
	c.Y = append(c.Y, s.Y...)
	c.Z = append(c.Z, s.Z...)
	if layout != cloud.LayoutXYZ {
		c.Intensity = append(c.Intensity, s.Intensity...)
	}
	return c, nil
}

func export(e *cloud.Exporter, c *cloud.PointCloud) (string, error) {
	base := *name
	if base == "" {
		base = c.ID
	}
	if *format == "asc" {
		return e.ExportASC(base, c)
	}
	return e.ExportPCD(base, c, *encoding == "binary")
}

func exportFromLog(e *cloud.Exporter) error {
	rep, err := recorder.NewReplayer(fsutil.OSFileSystem{}, *logPath, nil)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	hdr := rep.Header()
	total := rep.TotalClouds()
	log.Printf("log %s: %d clouds, frame=%s layout=%s", *logPath, total, hdr.Frame, hdr.Layout)
	if total == 0 {
		return errors.New("log holds no clouds")
	}

	if *all {
		exported := 0
		for {
			c, err := rep.ReadCloud()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read cloud %d: %w", rep.CurrentCloud(), err)
			}
			path, err := export(e, c)
			c.Release()
			if err != nil {
				return err
			}
			exported++
			log.Printf("wrote %s", path)
		}
		log.Printf("exported %d clouds", exported)
		return nil
	}

	idx := total - 1
	if *index >= 0 {
		idx = uint64(*index)
	}
	if err := rep.Seek(idx); err != nil {
		return fmt.Errorf("seek to cloud %d: %w", idx, err)
	}
	c, err := rep.ReadCloud()
	if err != nil {
		return fmt.Errorf("read cloud %d: %w", idx, err)
	}
	defer c.Release()
	path, err := export(e, c)
	if err != nil {
		return err
	}
	log.Printf("wrote %s (%d points from %d scans)", path, c.Len(), c.Scans)
	return nil
}

func exportFromHTTP(e *cloud.Exporter) error {
	base := strings.TrimRight(*fromURL, "/")
	url := fmt.Sprintf("%s/api/cloud/latest?max_points=%d", base, *maxPoints)

	var snap cloudSnapshot
	client := httputil.NewClient(httputil.ClientConfig{})
	if err := client.GetJSON(context.Background(), url, &snap); err != nil {
		return fmt.Errorf("fetch latest cloud: %w", err)
	}
	if snap.Stride > 1 {
		log.Printf("cloud %s was downsampled %dx by the server (%d of %d points)",
			snap.ID, snap.Stride, len(snap.X), snap.TotalPoints)
	}

	c, err := snap.toCloud()
	if err != nil {
		return fmt.Errorf("rebuild cloud: %w", err)
	}
	defer c.Release()
	path, err := export(e, c)
	if err != nil {
		return err
	}
	log.Printf("wrote %s (%d points from %d scans)", path, c.Len(), c.Scans)
	return nil
}

func main() {
	flag.Parse()

	if (*logPath == "") == (*fromURL == "") {
		log.Fatal("exactly one of -log or -from is required")
	}
	if *format != "pcd" && *format != "asc" {
		log.Fatalf("unknown format %q: want pcd or asc", *format)
	}
	if *encoding != "binary" && *encoding != "ascii" {
		log.Fatalf("unknown encoding %q: want binary or ascii", *encoding)
	}
	if *all && *fromURL != "" {
		log.Fatal("-all only applies to -log")
	}
	if *all && *name != "" {
		log.Fatal("-name would make every cloud overwrite the same file; drop it with -all")
	}

	exporter := &cloud.Exporter{FS: fsutil.OSFileSystem{}, Dir: *outDir}

	var err error
	if *logPath != "" {
		err = exportFromLog(exporter)
	} else {
		err = exportFromHTTP(exporter)
	}
	if err != nil {
		log.Fatalf("export: %v", err)
	}
}
