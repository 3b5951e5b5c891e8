package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/calyx-robotics/scancloud/internal/diag"
)

// DropCounter is what the forwarder needs from a statistics collector.
type DropCounter interface {
	AddDropped()
}

// Forwarder mirrors raw datagrams to another UDP address without blocking
// the receive path, so a second assembler or a capture box can tap the
// same sensor feed. When the queue is full the datagram is dropped and
// counted.
type Forwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
}

// NewForwarder creates a forwarder that sends datagrams to addr:port.
// A nil stats collector disables drop accounting.
func NewForwarder(addr string, port int, stats DropCounter, logInterval time.Duration) (*Forwarder, error) {
	forwardAddress := fmt.Sprintf("%s:%d", addr, port)
	udpAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial forward address: %w", err)
	}
	if stats == nil {
		stats = noopStats{}
	}
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &Forwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
	}, nil
}

// Start begins the forwarding goroutine. Write errors are batched into a
// periodic log line instead of flooding the ops stream.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		failedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case datagram := <-f.channel:
				if _, err := f.conn.Write(datagram); err != nil {
					failedCount++
					lastError = err
				}
			case <-ticker.C:
				if failedCount > 0 && lastError != nil {
					diag.Opsf("forwarder: %d datagrams failed to send (latest: %v)", failedCount, lastError)
					failedCount = 0
					lastError = nil
				}
			}
		}
	}()

	diag.Opsf("forwarder: mirroring datagrams to %s", f.address)
}

// ForwardAsync queues a datagram for forwarding without blocking. The
// data is copied because the caller reuses its receive buffer.
func (f *Forwarder) ForwardAsync(datagram []byte) {
	datagramCopy := make([]byte, len(datagram))
	copy(datagramCopy, datagram)

	select {
	case f.channel <- datagramCopy:
	default:
		f.stats.AddDropped()
	}
}

// Close closes the UDP connection.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}
