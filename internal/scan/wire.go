package scan

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Scan datagram wire format. One scan per UDP datagram, little-endian:
//
//	offset size field
//	  0      2  magic 0x5343 ("SC")
//	  2      1  version (currently 1)
//	  3      1  flags (bit 0: intensities present)
//	  4      8  stamp of sample 0, unix nanoseconds (int64)
//	 12      4  time increment, nanoseconds (uint32)
//	 16      8  angle of sample 0, radians (float64)
//	 24      8  angle increment, radians (float64)
//	 32      4  sensor range minimum, metres (float32)
//	 36      4  sensor range maximum, metres (float32)
//	 40      2  sample count N (uint16)
//	 42      1  frame id length F (1..MaxFrameLen)
//	 43      F  frame id (UTF-8)
//	43+F    4N  ranges, float32 each
//	  …     4N  intensities, float32 each (only when flagged)
const (
	Magic       = 0x5343 // "SC"
	Version     = 1
	HeaderSize  = 43    // fixed part, excludes frame id
	MaxFrameLen = 64    // longest accepted frame id
	MaxSamples  = 8000  // keeps worst-case datagrams inside the UDP payload limit
	MaxDatagram = 65507 // largest UDP payload over IPv4

	flagIntensities = 0x01
)

// Encode serializes a scan into a datagram. The scan must pass Validate
// and fit the format limits.
func Encode(s *LaserScan) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := s.Count()
	if n > MaxSamples {
		return nil, fmt.Errorf("scan has %d samples, format limit is %d", n, MaxSamples)
	}
	if len(s.Frame) > MaxFrameLen {
		return nil, fmt.Errorf("frame id %q exceeds %d bytes", s.Frame, MaxFrameLen)
	}
	if s.TimeIncrement > time.Duration(math.MaxUint32) {
		return nil, fmt.Errorf("time increment %v does not fit the wire field", s.TimeIncrement)
	}

	hasIntensities := len(s.Intensities) > 0
	size := HeaderSize + len(s.Frame) + 4*n
	if hasIntensities {
		size += 4 * n
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	if hasIntensities {
		buf[3] = flagIntensities
	}
	binary.LittleEndian.PutUint64(buf[4:12], uint64(s.Stamp.UnixNano()))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(s.TimeIncrement))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(s.AngleMin))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(s.AngleIncrement))
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(float32(s.RangeMin)))
	binary.LittleEndian.PutUint32(buf[36:40], math.Float32bits(float32(s.RangeMax)))
	binary.LittleEndian.PutUint16(buf[40:42], uint16(n))
	buf[42] = byte(len(s.Frame))
	off := HeaderSize
	off += copy(buf[off:], s.Frame)

	for _, r := range s.Ranges {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(r))
		off += 4
	}
	if hasIntensities {
		// Pad missing trailing intensities with zeros so the decoder
		// always sees N entries.
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(s.Intensity(i)))
			off += 4
		}
	}
	return buf, nil
}

// Decode parses a scan datagram. The returned scan owns freshly
// allocated slices; the input buffer may be reused by the caller.
func Decode(data []byte) (*LaserScan, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(data))
	}
	if m := binary.LittleEndian.Uint16(data[0:2]); m != Magic {
		return nil, fmt.Errorf("bad magic 0x%04x", m)
	}
	if v := data[2]; v != Version {
		return nil, fmt.Errorf("unsupported version %d", v)
	}
	flags := data[3]

	frameLen := int(data[42])
	if frameLen == 0 || frameLen > MaxFrameLen {
		return nil, fmt.Errorf("bad frame id length %d", frameLen)
	}
	n := int(binary.LittleEndian.Uint16(data[40:42]))
	if n == 0 {
		return nil, fmt.Errorf("datagram carries no samples")
	}

	want := HeaderSize + frameLen + 4*n
	if flags&flagIntensities != 0 {
		want += 4 * n
	}
	if len(data) != want {
		return nil, fmt.Errorf("datagram length %d, expected %d for %d samples", len(data), want, n)
	}

	s := &LaserScan{
		Frame:          string(data[HeaderSize : HeaderSize+frameLen]),
		Stamp:          time.Unix(0, int64(binary.LittleEndian.Uint64(data[4:12]))),
		TimeIncrement:  time.Duration(binary.LittleEndian.Uint32(data[12:16])),
		AngleMin:       math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])),
		AngleIncrement: math.Float64frombits(binary.LittleEndian.Uint64(data[24:32])),
		RangeMin:       float64(math.Float32frombits(binary.LittleEndian.Uint32(data[32:36]))),
		RangeMax:       float64(math.Float32frombits(binary.LittleEndian.Uint32(data[36:40]))),
		Ranges:         make([]float32, n),
	}

	off := HeaderSize + frameLen
	for i := 0; i < n; i++ {
		s.Ranges[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	if flags&flagIntensities != 0 {
		s.Intensities = make([]float32, n)
		for i := 0; i < n; i++ {
			s.Intensities[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
	}
	return s, nil
}
