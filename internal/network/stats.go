package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/calyx-robotics/scancloud/internal/diag"
)

// StatsSnapshot represents one reporting window of source statistics.
type StatsSnapshot struct {
	DatagramsPerSec float64   `json:"datagrams_per_sec"`
	MBPerSec        float64   `json:"mb_per_sec"`
	ScansPerSec     float64   `json:"scans_per_sec"`
	PosesPerSec     float64   `json:"poses_per_sec"`
	DecodeErrors    int64     `json:"decode_errors"`
	DroppedCount    int64     `json:"dropped_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// StatsRecorder is what the scan sources need from a statistics collector.
// TrafficStats is the production implementation; a no-op stands in when a
// source is built without one.
type StatsRecorder interface {
	AddDatagram(bytes int)
	AddScan()
	AddPose()
	AddDecodeError()
	AddDropped()
	LogStats()
}

// TrafficStats tracks datagram and decode statistics with thread-safe
// operations. Counters accumulate between LogStats calls, which close the
// window, keep a snapshot for the monitor and log a rate summary.
type TrafficStats struct {
	mu             sync.Mutex
	datagramCount  int64
	byteCount      int64
	scanCount      int64
	poseCount      int64
	decodeErrors   int64
	droppedCount   int64
	lastReset      time.Time
	startTime      time.Time
	latestSnapshot *StatsSnapshot
}

// NewTrafficStats creates a new TrafficStats instance.
func NewTrafficStats() *TrafficStats {
	now := time.Now()
	return &TrafficStats{
		lastReset: now,
		startTime: now,
	}
}

// AddDatagram increments the datagram count and byte count.
func (ts *TrafficStats) AddDatagram(bytes int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.datagramCount++
	ts.byteCount += int64(bytes)
}

// AddScan increments the decoded scan count.
func (ts *TrafficStats) AddScan() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.scanCount++
}

// AddPose increments the decoded pose count.
func (ts *TrafficStats) AddPose() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.poseCount++
}

// AddDecodeError increments the count of datagrams that failed to decode.
func (ts *TrafficStats) AddDecodeError() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.decodeErrors++
}

// AddDropped increments the count of datagrams dropped on forward.
func (ts *TrafficStats) AddDropped() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.droppedCount++
}

// GetAndReset returns the current window's counters and starts a new one.
func (ts *TrafficStats) GetAndReset() (datagrams, bytes, scans, poses, decodeErrs, dropped int64, duration time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ts.lastReset)
	datagrams = ts.datagramCount
	bytes = ts.byteCount
	scans = ts.scanCount
	poses = ts.poseCount
	decodeErrs = ts.decodeErrors
	dropped = ts.droppedCount

	ts.datagramCount = 0
	ts.byteCount = 0
	ts.scanCount = 0
	ts.poseCount = 0
	ts.decodeErrors = 0
	ts.droppedCount = 0
	ts.lastReset = now

	return
}

// LogStats logs a rate summary for the closed window and stores a snapshot
// for the monitor. Windows with no traffic and no errors log nothing.
func (ts *TrafficStats) LogStats() {
	datagrams, bytes, scans, poses, decodeErrs, dropped, duration := ts.GetAndReset()
	if datagrams == 0 && decodeErrs == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		return
	}

	snap := &StatsSnapshot{
		DatagramsPerSec: float64(datagrams) / secs,
		MBPerSec:        float64(bytes) / secs / (1024 * 1024),
		ScansPerSec:     float64(scans) / secs,
		PosesPerSec:     float64(poses) / secs,
		DecodeErrors:    decodeErrs,
		DroppedCount:    dropped,
		Timestamp:       time.Now(),
	}
	ts.mu.Lock()
	ts.latestSnapshot = snap
	ts.mu.Unlock()

	logMsg := fmt.Sprintf("source stats (/sec): %.2f MB, %.1f datagrams, %.1f scans, %.1f poses",
		snap.MBPerSec, snap.DatagramsPerSec, snap.ScansPerSec, snap.PosesPerSec)
	if decodeErrs > 0 {
		logMsg += fmt.Sprintf(", %d decode errors", decodeErrs)
	}
	if dropped > 0 {
		logMsg += fmt.Sprintf(", %d dropped on forward", dropped)
	}
	diag.Opsf("%s", logMsg)
}

// GetUptime returns the time since the stats were created.
func (ts *TrafficStats) GetUptime() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return time.Since(ts.startTime)
}

// GetLatestSnapshot returns a copy of the most recent window snapshot, or
// nil before the first window closes with traffic.
func (ts *TrafficStats) GetLatestSnapshot() *StatsSnapshot {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.latestSnapshot == nil {
		return nil
	}
	snapshot := *ts.latestSnapshot
	return &snapshot
}

// noopStats is a StatsRecorder that does nothing. It is the safe default
// when a source is constructed without a stats collector.
type noopStats struct{}

func (noopStats) AddDatagram(bytes int) {}
func (noopStats) AddScan()              {}
func (noopStats) AddPose()              {}
func (noopStats) AddDecodeError()       {}
func (noopStats) AddDropped()           {}
func (noopStats) LogStats()             {}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
