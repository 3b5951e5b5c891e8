//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/calyx-robotics/scancloud/internal/diag"
)

// ReplayPCAP reads captured scan traffic from a pcap file and feeds the
// UDP payloads through the same routing as the live listener, pacing
// packets by their capture timestamps scaled by cfg.Rate. Only available
// when building with the 'pcap' tag because libpcap is a cgo dependency.
func ReplayPCAP(ctx context.Context, pcapFile string, udpPort int, cfg PCAPReplayConfig) error {
	rate := cfg.Rate
	if rate <= 0 {
		rate = 1.0
	}
	var stats StatsRecorder
	if cfg.Stats != nil {
		stats = cfg.Stats
	} else {
		stats = noopStats{}
	}

	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("open pcap file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("set BPF filter %q: %w", filterStr, err)
	}
	diag.Opsf("pcap replay: %s, filter %q, rate %.1fx", pcapFile, filterStr, rate)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	startTime := time.Now()
	var lastCapture time.Time

	for {
		select {
		case <-ctx.Done():
			diag.Opsf("pcap replay: cancelled after %d packets", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				diag.Opsf("pcap replay: finished %s: %d packets in %v",
					pcapFile, packetCount, time.Since(startTime).Round(time.Millisecond))
				return nil
			}
			packetCount++

			capture := packet.Metadata().Timestamp
			if !lastCapture.IsZero() {
				if delay := capture.Sub(lastCapture); delay > 0 {
					scaled := time.Duration(float64(delay) / rate)
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(scaled):
					}
				}
			}
			lastCapture = capture

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}
			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			stats.AddDatagram(len(payload))
			if cfg.Forwarder != nil {
				cfg.Forwarder.ForwardAsync(payload)
			}
			if err := route(payload, stats, cfg.OnScan, cfg.OnPose); err != nil {
				diag.Diagf("pcap replay: packet %d: %v", packetCount, err)
			}

			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				diag.Diagf("pcap replay: %d packets in %v (%.0f pkt/s)",
					packetCount, elapsed.Round(time.Millisecond), float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
