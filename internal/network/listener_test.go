package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/calyx-robotics/scancloud/internal/geom"
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/tf"
)

// mockStats implements StatsRecorder for testing. Not safe for use from
// the listener's goroutines; the socket tests use TrafficStats instead.
type mockStats struct {
	datagramCount int
	byteCount     int
	scanCount     int
	poseCount     int
	decodeErrors  int
	droppedCount  int
	logCalls      int
}

func (m *mockStats) AddDatagram(bytes int) {
	m.datagramCount++
	m.byteCount += bytes
}

func (m *mockStats) AddScan()        { m.scanCount++ }
func (m *mockStats) AddPose()        { m.poseCount++ }
func (m *mockStats) AddDecodeError() { m.decodeErrors++ }
func (m *mockStats) AddDropped()     { m.droppedCount++ }
func (m *mockStats) LogStats()       { m.logCalls++ }

func encodedScan(t *testing.T) []byte {
	t.Helper()
	s := &scan.LaserScan{
		Frame:          "laser",
		Stamp:          time.Unix(1700000000, 0),
		TimeIncrement:  time.Millisecond,
		AngleMin:       -0.5,
		AngleIncrement: 0.25,
		RangeMin:       0.1,
		RangeMax:       10,
		Ranges:         []float32{1.0, 2.0, 3.0},
		Intensities:    []float32{10, 20, 30},
	}
	data, err := scan.Encode(s)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func encodedPose(t *testing.T) []byte {
	t.Helper()
	p := &tf.PoseSample{
		Parent:    "map",
		Child:     "base_link",
		At:        time.Unix(1700000000, 0),
		Transform: geom.Translate(1, 2, 0.5),
	}
	data, err := tf.EncodePose(p)
	if err != nil {
		t.Fatalf("EncodePose() error = %v", err)
	}
	return data
}

func TestNewListenerDefaults(t *testing.T) {
	listener := NewListener(ListenerConfig{Address: ":7500"})

	if listener == nil {
		t.Fatal("NewListener returned nil")
	}
	if listener.address != ":7500" {
		t.Errorf("address = %q, expected %q", listener.address, ":7500")
	}
	if listener.logInterval != time.Minute {
		t.Errorf("logInterval = %v, expected default 1 minute", listener.logInterval)
	}
	if listener.stats == nil {
		t.Error("stats = nil, expected noop default")
	}
}

func TestNewListenerWithStats(t *testing.T) {
	stats := &mockStats{}
	listener := NewListener(ListenerConfig{
		Address:     ":7500",
		Stats:       stats,
		LogInterval: 30 * time.Second,
	})

	if listener.stats != stats {
		t.Error("stats not set to the provided recorder")
	}
	if listener.logInterval != 30*time.Second {
		t.Errorf("logInterval = %v, expected 30s", listener.logInterval)
	}
}

func TestRouteScanDatagram(t *testing.T) {
	stats := &mockStats{}
	var got *scan.LaserScan
	onScan := func(s *scan.LaserScan) { got = s }

	if err := route(encodedScan(t), stats, onScan, nil); err != nil {
		t.Fatalf("route() error = %v", err)
	}
	if got == nil {
		t.Fatal("OnScan was not called")
	}
	if got.Frame != "laser" {
		t.Errorf("Frame = %q, expected %q", got.Frame, "laser")
	}
	if got.Count() != 3 {
		t.Errorf("Count() = %d, expected 3", got.Count())
	}
	if got.Ranges[1] != 2.0 {
		t.Errorf("Ranges[1] = %v, expected 2.0", got.Ranges[1])
	}
	if got.Intensities[2] != 30 {
		t.Errorf("Intensities[2] = %v, expected 30", got.Intensities[2])
	}
	if stats.scanCount != 1 {
		t.Errorf("scanCount = %d, expected 1", stats.scanCount)
	}
	if stats.decodeErrors != 0 {
		t.Errorf("decodeErrors = %d, expected 0", stats.decodeErrors)
	}
}

func TestRoutePoseDatagram(t *testing.T) {
	stats := &mockStats{}
	var got *tf.PoseSample
	onPose := func(p *tf.PoseSample) { got = p }

	if err := route(encodedPose(t), stats, nil, onPose); err != nil {
		t.Fatalf("route() error = %v", err)
	}
	if got == nil {
		t.Fatal("OnPose was not called")
	}
	if got.Parent != "map" || got.Child != "base_link" {
		t.Errorf("frames = %s -> %s, expected map -> base_link", got.Parent, got.Child)
	}
	if got.Transform.T.X != 1 || got.Transform.T.Y != 2 {
		t.Errorf("translation = %+v, expected (1, 2, 0.5)", got.Transform.T)
	}
	if stats.poseCount != 1 {
		t.Errorf("poseCount = %d, expected 1", stats.poseCount)
	}
}

func TestRouteNilCallbacks(t *testing.T) {
	// Decoding without callbacks must not panic; the datagram still counts.
	stats := &mockStats{}
	if err := route(encodedScan(t), stats, nil, nil); err != nil {
		t.Fatalf("route() error = %v", err)
	}
	if err := route(encodedPose(t), stats, nil, nil); err != nil {
		t.Fatalf("route() error = %v", err)
	}
	if stats.scanCount != 1 || stats.poseCount != 1 {
		t.Errorf("counts = %d scans, %d poses, expected 1 and 1", stats.scanCount, stats.poseCount)
	}
}

func TestRouteRejectsBadDatagrams(t *testing.T) {
	truncated := encodedScan(t)
	truncated = truncated[:len(truncated)-4]

	cases := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x43}},
		{"unknown magic", []byte{0xDE, 0xAD, 0x00, 0x00}},
		{"truncated scan", truncated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := &mockStats{}
			if err := route(tc.data, stats, nil, nil); err == nil {
				t.Error("route() error = nil, expected an error")
			}
			if stats.decodeErrors != 1 {
				t.Errorf("decodeErrors = %d, expected 1", stats.decodeErrors)
			}
			if stats.scanCount != 0 || stats.poseCount != 0 {
				t.Error("bad datagram was counted as decoded")
			}
		})
	}
}

func TestServeBeforeListen(t *testing.T) {
	listener := NewListener(ListenerConfig{Address: ":7500"})
	if err := listener.Serve(context.Background()); err == nil {
		t.Error("Serve() before Listen() = nil, expected an error")
	}
}

func TestListenerCloseBeforeListen(t *testing.T) {
	listener := NewListener(ListenerConfig{Address: ":7500"})
	if err := listener.Close(); err != nil {
		t.Errorf("Close() before Listen() error = %v", err)
	}
}

func TestListenerReceivesScans(t *testing.T) {
	stats := NewTrafficStats()
	scans := make(chan *scan.LaserScan, 4)
	listener := NewListener(ListenerConfig{
		Address: "127.0.0.1:0",
		Stats:   stats,
		OnScan:  func(s *scan.LaserScan) { scans <- s },
	})
	if err := listener.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		listener.Serve(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.DialUDP("udp", nil, listener.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(encodedScan(t)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-scans:
		if got.Frame != "laser" {
			t.Errorf("Frame = %q, expected %q", got.Frame, "laser")
		}
		if got.Count() != 3 {
			t.Errorf("Count() = %d, expected 3", got.Count())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no scan received within 2s")
	}

	datagrams, _, scanCount, _, _, _, _ := stats.GetAndReset()
	if datagrams != 1 {
		t.Errorf("datagrams = %d, expected 1", datagrams)
	}
	if scanCount != 1 {
		t.Errorf("scans = %d, expected 1", scanCount)
	}
}

func TestListenerRoutesPoses(t *testing.T) {
	poses := make(chan *tf.PoseSample, 4)
	listener := NewListener(ListenerConfig{
		Address: "127.0.0.1:0",
		OnPose:  func(p *tf.PoseSample) { poses <- p },
	})
	if err := listener.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		listener.Serve(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.DialUDP("udp", nil, listener.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(encodedPose(t)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-poses:
		if got.Child != "base_link" {
			t.Errorf("Child = %q, expected %q", got.Child, "base_link")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pose received within 2s")
	}
}

func TestForwarderInvalidAddress(t *testing.T) {
	if _, err := NewForwarder("invalid-host-12345", 2370, nil, 0); err == nil {
		t.Error("NewForwarder() error = nil, expected an error for bad host")
	}
}

func TestForwarderDeliversCopies(t *testing.T) {
	destAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr() error = %v", err)
	}
	dest, err := net.ListenUDP("udp", destAddr)
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer dest.Close()

	port := dest.LocalAddr().(*net.UDPAddr).Port
	forwarder, err := NewForwarder("127.0.0.1", port, nil, time.Second)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	defer forwarder.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	forwarder.Start(ctx)

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	forwarder.ForwardAsync(payload)
	// The forwarder copied the datagram; clobbering the original must not
	// change what arrives.
	payload[0] = 0xFF

	dest.SetReadDeadline(time.Now().Add(2 * time.Second))
	buffer := make([]byte, 64)
	n, _, err := dest.ReadFromUDP(buffer)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("received %d bytes, expected 4", n)
	}
	if buffer[0] != 0x01 || buffer[3] != 0x04 {
		t.Errorf("received % x, expected 01 02 03 04", buffer[:n])
	}
}

func TestForwarderDropsWhenFull(t *testing.T) {
	stats := &mockStats{}
	forwarder, err := NewForwarder("127.0.0.1", 19999, stats, time.Second)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	defer forwarder.Close()

	// Without Start the queue never drains, so everything past its
	// capacity is dropped and counted.
	payload := []byte{0x00}
	for i := 0; i < cap(forwarder.channel)+3; i++ {
		forwarder.ForwardAsync(payload)
	}
	if stats.droppedCount != 3 {
		t.Errorf("droppedCount = %d, expected 3", stats.droppedCount)
	}
}

func TestNoopStats(t *testing.T) {
	stats := noopStats{}
	stats.AddDatagram(100)
	stats.AddScan()
	stats.AddPose()
	stats.AddDecodeError()
	stats.AddDropped()
	stats.LogStats()
}
