package network

import (
	"testing"
	"time"
)

func TestTrafficStatsCounters(t *testing.T) {
	ts := NewTrafficStats()

	ts.AddDatagram(100)
	ts.AddDatagram(200)
	ts.AddScan()
	ts.AddPose()
	ts.AddPose()
	ts.AddDecodeError()
	ts.AddDropped()

	datagrams, bytes, scans, poses, decodeErrs, dropped, duration := ts.GetAndReset()
	if datagrams != 2 {
		t.Errorf("datagrams = %d, expected 2", datagrams)
	}
	if bytes != 300 {
		t.Errorf("bytes = %d, expected 300", bytes)
	}
	if scans != 1 {
		t.Errorf("scans = %d, expected 1", scans)
	}
	if poses != 2 {
		t.Errorf("poses = %d, expected 2", poses)
	}
	if decodeErrs != 1 {
		t.Errorf("decodeErrs = %d, expected 1", decodeErrs)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, expected 1", dropped)
	}
	if duration <= 0 {
		t.Errorf("duration = %v, expected positive", duration)
	}

	// Reset means the next window starts empty.
	datagrams, _, _, _, _, _, _ = ts.GetAndReset()
	if datagrams != 0 {
		t.Errorf("datagrams after reset = %d, expected 0", datagrams)
	}
}

func TestTrafficStatsSnapshot(t *testing.T) {
	ts := NewTrafficStats()

	if snap := ts.GetLatestSnapshot(); snap != nil {
		t.Errorf("GetLatestSnapshot() before any window = %+v, expected nil", snap)
	}

	ts.AddDatagram(1024)
	ts.AddScan()
	time.Sleep(10 * time.Millisecond)
	ts.LogStats()

	snap := ts.GetLatestSnapshot()
	if snap == nil {
		t.Fatal("GetLatestSnapshot() = nil after a window with traffic")
	}
	if snap.DatagramsPerSec <= 0 {
		t.Errorf("DatagramsPerSec = %v, expected positive", snap.DatagramsPerSec)
	}
	if snap.ScansPerSec <= 0 {
		t.Errorf("ScansPerSec = %v, expected positive", snap.ScansPerSec)
	}
	if snap.Timestamp.IsZero() {
		t.Error("snapshot Timestamp is zero")
	}

	// An idle window keeps the previous snapshot.
	ts.LogStats()
	if again := ts.GetLatestSnapshot(); again == nil || again.Timestamp != snap.Timestamp {
		t.Error("idle window replaced the snapshot")
	}
}

func TestTrafficStatsUptime(t *testing.T) {
	ts := NewTrafficStats()
	time.Sleep(10 * time.Millisecond)
	if up := ts.GetUptime(); up < 10*time.Millisecond {
		t.Errorf("GetUptime() = %v, expected at least 10ms", up)
	}
}

func TestFormatWithCommas(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := FormatWithCommas(tt.in); got != tt.want {
			t.Errorf("FormatWithCommas(%d) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}
