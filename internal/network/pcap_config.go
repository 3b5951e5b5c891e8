package network

import (
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/tf"
)

// PCAPReplayConfig configures capture replay. It lives outside the
// pcap-tagged files so the stub shares the signature.
type PCAPReplayConfig struct {
	// Rate scales replay speed: 1.0 follows the capture timing, 2.0 runs
	// twice as fast. Zero or negative selects 1.0.
	Rate float64

	// Stats receives per-packet accounting. Nil disables accounting.
	Stats StatsRecorder

	// OnScan is called with every decoded scan. Nil discards scans.
	OnScan func(*scan.LaserScan)

	// OnPose is called with every decoded pose sample. Nil discards poses.
	OnPose func(*tf.PoseSample)

	// Forwarder optionally mirrors every replayed payload downstream.
	Forwarder *Forwarder
}
