//go:build !pcap
// +build !pcap

package network

import (
	"context"
	"fmt"
)

// ReplayPCAP is a stub when pcap support is disabled. Build with
// -tags=pcap to enable capture replay.
func ReplayPCAP(ctx context.Context, pcapFile string, udpPort int, cfg PCAPReplayConfig) error {
	return fmt.Errorf("pcap support not enabled: rebuild with -tags=pcap to replay capture files")
}
