package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/tf"
)

// SerialConfig holds the configuration for a serial scan source.
type SerialConfig struct {
	Path string // serial device path, e.g. /dev/ttyUSB0
	Baud int    // line speed; 0 means 115200

	LogInterval time.Duration // how often to log traffic stats; 0 means 1 minute
	Stats       StatsRecorder // optional; nil disables stats

	OnScan func(*scan.LaserScan)
	OnPose func(*tf.PoseSample)
}

const defaultBaud = 115200

// Serial packets are framed as sync bytes 0xAA 0x55, a 2-byte
// little-endian payload length, then the payload: a datagram in the same
// format the UDP listener accepts, so a sensor can speak either
// transport. The sync bytes make resynchronization after line noise
// deterministic.
const (
	serialSync0 = 0xAA
	serialSync1 = 0x55
)

// serialFrame wraps a datagram in the serial framing.
func serialFrame(datagram []byte) []byte {
	frame := make([]byte, 4+len(datagram))
	frame[0] = serialSync0
	frame[1] = serialSync1
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(datagram)))
	copy(frame[4:], datagram)
	return frame
}

// SerialSource reads scan and pose packets from a serial line.
type SerialSource struct {
	port        io.ReadCloser
	path        string
	logInterval time.Duration
	stats       StatsRecorder
	onScan      func(*scan.LaserScan)
	onPose      func(*tf.PoseSample)

	closeOnce sync.Once
	closeErr  error
}

// NewSerialSource opens the serial device in cfg and returns a source
// reading from it.
func NewSerialSource(cfg SerialConfig) (*SerialSource, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = defaultBaud
	}
	port, err := serial.Open(cfg.Path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Path, err)
	}
	s := NewSerialSourceFromPort(port, cfg)
	diag.Opsf("serial source: reading from %s at %d baud", cfg.Path, baud)
	return s, nil
}

// NewSerialSourceFromPort builds a source around an already-open port.
// Tests feed a pipe through here instead of real hardware.
func NewSerialSourceFromPort(port io.ReadCloser, cfg SerialConfig) *SerialSource {
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &SerialSource{
		port:        port,
		path:        cfg.Path,
		logInterval: logInterval,
		stats:       stats,
		onScan:      cfg.OnScan,
		onPose:      cfg.OnPose,
	}
}

// Run reads packets from the port until the stream ends or ctx is
// cancelled. Serial reads block with no deadline support across port
// types, so cancellation works by closing the port out from under the
// reader.
func (s *SerialSource) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	go s.statsLoop(ctx)

	br := bufio.NewReaderSize(s.port, 64*1024)
	payload := make([]byte, scan.MaxDatagram)
	inSync := true
	for {
		hdr, err := br.Peek(2)
		if err != nil {
			return s.readerDone(ctx, err)
		}
		if hdr[0] != serialSync0 || hdr[1] != serialSync1 {
			s.slip(&inSync)
			if _, err := br.Discard(1); err != nil {
				return s.readerDone(ctx, err)
			}
			continue
		}
		head, err := br.Peek(4)
		if err != nil {
			return s.readerDone(ctx, err)
		}
		n := int(binary.LittleEndian.Uint16(head[2:4]))
		if n < 2 || n > scan.MaxDatagram {
			// Sync bytes that showed up inside other data. Keep scanning.
			s.slip(&inSync)
			if _, err := br.Discard(1); err != nil {
				return s.readerDone(ctx, err)
			}
			continue
		}
		if _, err := br.Discard(4); err != nil {
			return s.readerDone(ctx, err)
		}
		if _, err := io.ReadFull(br, payload[:n]); err != nil {
			return s.readerDone(ctx, err)
		}
		inSync = true
		s.stats.AddDatagram(4 + n)
		if err := route(payload[:n], s.stats, s.onScan, s.onPose); err != nil {
			diag.Diagf("serial source: bad packet: %v", err)
		}
	}
}

// slip records a framing error once per run of garbage bytes.
func (s *SerialSource) slip(inSync *bool) {
	if *inSync {
		s.stats.AddDecodeError()
		diag.Diagf("serial source: framing slip on %s, resynchronizing", s.path)
		*inSync = false
	}
}

// readerDone maps a read error to Run's return value. Cancellation wins
// over the read error the port close provoked.
func (s *SerialSource) readerDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == io.EOF {
		diag.Opsf("serial source: stream ended on %s", s.path)
		return nil
	}
	return fmt.Errorf("serial read: %w", err)
}

func (s *SerialSource) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stats.LogStats()
		}
	}
}

// Close closes the underlying port. Safe to call more than once.
func (s *SerialSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
