// Package network hosts the scan sources: a UDP listener for live scan
// and pose datagrams, a serial source for tethered sensors, a datagram
// forwarder and an optional pcap replay. Every source decodes datagrams
// with the shared wire codecs and hands the results to callbacks, so the
// rest of the service never touches a socket.
package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/tf"
)

// ListenerConfig contains configuration options for the UDP listener.
type ListenerConfig struct {
	// Address is the UDP listen address, e.g. ":7500".
	Address string

	// RcvBuf is the socket receive buffer request in bytes. Zero keeps the
	// OS default.
	RcvBuf int

	// LogInterval is the period of the stats rate log. Zero selects one
	// minute.
	LogInterval time.Duration

	// Stats receives per-datagram accounting. Nil disables accounting.
	Stats StatsRecorder

	// OnScan is called with every decoded scan. Nil discards scans.
	OnScan func(*scan.LaserScan)

	// OnPose is called with every decoded pose sample. Nil discards poses.
	OnPose func(*tf.PoseSample)

	// Forwarder optionally mirrors every raw datagram downstream.
	Forwarder *Forwarder
}

// Listener receives scan and pose datagrams from a UDP socket and routes
// them to the configured callbacks.
type Listener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	conn        *net.UDPConn
	stats       StatsRecorder
	onScan      func(*scan.LaserScan)
	onPose      func(*tf.PoseSample)
	forwarder   *Forwarder
}

// NewListener creates a UDP listener with the provided configuration.
func NewListener(cfg ListenerConfig) *Listener {
	var stats StatsRecorder
	if cfg.Stats != nil {
		stats = cfg.Stats
	} else {
		stats = noopStats{}
	}

	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &Listener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		onScan:      cfg.OnScan,
		onPose:      cfg.OnPose,
		forwarder:   cfg.Forwarder,
	}
}

// Listen binds the UDP socket. It is split from Serve so callers can learn
// the bound address before traffic starts, which matters when listening
// on port 0.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("resolve UDP address %s: %w", l.address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.address, err)
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			diag.Diagf("listener: could not set receive buffer to %d bytes: %v", l.rcvBuf, err)
		}
	}
	l.conn = conn
	diag.Opsf("listener: receiving scan datagrams on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and serves until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve reads datagrams until ctx is cancelled. Listen must have
// succeeded first.
func (l *Listener) Serve(ctx context.Context) error {
	if l.conn == nil {
		return fmt.Errorf("serve before listen")
	}
	defer l.conn.Close()

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	go l.statsLoop(ctx)

	buffer := make([]byte, scan.MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			diag.Opsf("listener: stopping")
			return ctx.Err()
		default:
			// A short read deadline keeps the loop responsive to
			// cancellation without burning CPU.
			l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := l.conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				diag.Diagf("listener: read error: %v", err)
				continue
			}

			if err := l.handleDatagram(buffer[:n]); err != nil {
				diag.Diagf("listener: bad datagram from %v: %v", addr, err)
			}
		}
	}
}

// statsLoop reports rates on the configured interval, with an early first
// report so a silent startup is visible quickly.
func (l *Listener) statsLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handleDatagram accounts for one datagram and routes it. The buffer is
// reused between reads; the decoders copy what they keep.
func (l *Listener) handleDatagram(data []byte) error {
	l.stats.AddDatagram(len(data))
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(data)
	}
	return route(data, l.stats, l.onScan, l.onPose)
}

// Close closes the socket. Safe before Listen.
func (l *Listener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// route decodes one datagram by its leading magic and dispatches it.
// Shared by the UDP, serial and pcap sources so they agree on the
// on-the-wire dialect.
func route(data []byte, stats StatsRecorder, onScan func(*scan.LaserScan), onPose func(*tf.PoseSample)) error {
	if len(data) < 2 {
		stats.AddDecodeError()
		return fmt.Errorf("datagram too short: %d bytes", len(data))
	}
	switch magic := binary.LittleEndian.Uint16(data[0:2]); magic {
	case scan.Magic:
		s, err := scan.Decode(data)
		if err != nil {
			stats.AddDecodeError()
			return fmt.Errorf("decode scan: %w", err)
		}
		stats.AddScan()
		if onScan != nil {
			onScan(s)
		}
	case tf.PoseMagic:
		p, err := tf.DecodePose(data)
		if err != nil {
			stats.AddDecodeError()
			return fmt.Errorf("decode pose: %w", err)
		}
		stats.AddPose()
		if onPose != nil {
			onPose(p)
		}
	default:
		stats.AddDecodeError()
		return fmt.Errorf("unknown datagram magic 0x%04x", magic)
	}
	return nil
}
