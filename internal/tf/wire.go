package tf

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/calyx-robotics/scancloud/internal/geom"
)

// Pose datagram wire format. One stamped link per datagram,
// little-endian:
//
//	offset size field
//	  0      2  magic 0x5446 ("TF")
//	  2      1  version (currently 1)
//	  3      1  flags (bit 0: static link)
//	  4      8  stamp, unix nanoseconds (int64; ignored for static)
//	 12      1  parent frame length P (1..MaxFrameLen)
//	 13      1  child frame length C (1..MaxFrameLen)
//	 14      P  parent frame (UTF-8)
//	14+P     C  child frame (UTF-8)
//	  …     24  translation x, y, z (float64 each)
//	  …     32  rotation quaternion w, x, y, z (float64 each)
const (
	PoseMagic      = 0x5446 // "TF"
	PoseVersion    = 1
	poseFixedSize  = 14
	posePayload    = 56 // 3 + 4 float64s
	MaxFrameLen    = 64
	flagStaticLink = 0x01
)

// PoseSample is one observation of a child frame's pose in its parent,
// as carried by pose datagrams.
type PoseSample struct {
	Parent    string
	Child     string
	At        time.Time
	Static    bool
	Transform geom.Transform
}

// Apply feeds the sample into a buffer.
func (p *PoseSample) Apply(b *Buffer) error {
	if p.Static {
		return b.SetStatic(p.Parent, p.Child, p.Transform)
	}
	return b.Set(p.Parent, p.Child, p.At, p.Transform)
}

// EncodePose serializes a pose sample into a datagram.
func EncodePose(p *PoseSample) ([]byte, error) {
	if p.Parent == "" || p.Child == "" {
		return nil, fmt.Errorf("pose sample needs both frame names")
	}
	if len(p.Parent) > MaxFrameLen || len(p.Child) > MaxFrameLen {
		return nil, fmt.Errorf("frame id exceeds %d bytes", MaxFrameLen)
	}

	buf := make([]byte, poseFixedSize+len(p.Parent)+len(p.Child)+posePayload)
	binary.LittleEndian.PutUint16(buf[0:2], PoseMagic)
	buf[2] = PoseVersion
	if p.Static {
		buf[3] = flagStaticLink
	}
	binary.LittleEndian.PutUint64(buf[4:12], uint64(p.At.UnixNano()))
	buf[12] = byte(len(p.Parent))
	buf[13] = byte(len(p.Child))
	off := poseFixedSize
	off += copy(buf[off:], p.Parent)
	off += copy(buf[off:], p.Child)

	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(v))
		off += 8
	}
	put(p.Transform.T.X)
	put(p.Transform.T.Y)
	put(p.Transform.T.Z)
	w, x, y, z := p.Transform.Quat()
	put(w)
	put(x)
	put(y)
	put(z)
	return buf, nil
}

// DecodePose parses a pose datagram.
func DecodePose(data []byte) (*PoseSample, error) {
	if len(data) < poseFixedSize {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(data))
	}
	if m := binary.LittleEndian.Uint16(data[0:2]); m != PoseMagic {
		return nil, fmt.Errorf("bad magic 0x%04x", m)
	}
	if v := data[2]; v != PoseVersion {
		return nil, fmt.Errorf("unsupported version %d", v)
	}

	parentLen := int(data[12])
	childLen := int(data[13])
	if parentLen == 0 || parentLen > MaxFrameLen || childLen == 0 || childLen > MaxFrameLen {
		return nil, fmt.Errorf("bad frame id lengths %d/%d", parentLen, childLen)
	}
	if want := poseFixedSize + parentLen + childLen + posePayload; len(data) != want {
		return nil, fmt.Errorf("datagram length %d, expected %d", len(data), want)
	}

	off := poseFixedSize
	p := &PoseSample{
		Static: data[3]&flagStaticLink != 0,
		At:     time.Unix(0, int64(binary.LittleEndian.Uint64(data[4:12]))),
	}
	p.Parent = string(data[off : off+parentLen])
	off += parentLen
	p.Child = string(data[off : off+childLen])
	off += childLen

	get := func() float64 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
		return v
	}
	tx, ty, tz := get(), get(), get()
	w, x, y, z := get(), get(), get(), get()
	p.Transform = geom.FromQuat(w, x, y, z, tx, ty, tz)
	return p, nil
}
