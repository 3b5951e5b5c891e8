// Package stream serves assembled clouds to gRPC subscribers. Frames follow
// the contract in proto/cloudstream.proto and are encoded by hand with
// protowire so the module does not carry generated bindings; any protobuf
// client generated from the .proto file interoperates.
package stream

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/calyx-robotics/scancloud/internal/cloud"
)

// Field numbers, mirroring proto/cloudstream.proto.
const (
	reqFieldClientName = 1
	reqFieldStride     = 2

	frameFieldCloudID   = 1
	frameFieldFrameID   = 2
	frameFieldStampNS   = 3
	frameFieldLayout    = 4
	frameFieldScanCount = 5
	frameFieldX         = 6
	frameFieldY         = 7
	frameFieldZ         = 8
	frameFieldIntensity = 9
	frameFieldRGB       = 10
)

// SubscribeRequest is the client half of the Subscribe RPC.
type SubscribeRequest struct {
	ClientName string
	Stride     uint32
}

// MarshalWire encodes the request in protobuf wire format.
func (r *SubscribeRequest) MarshalWire() ([]byte, error) {
	b := make([]byte, 0, 16+len(r.ClientName))
	if r.ClientName != "" {
		b = protowire.AppendTag(b, reqFieldClientName, protowire.BytesType)
		b = protowire.AppendString(b, r.ClientName)
	}
	if r.Stride != 0 {
		b = protowire.AppendTag(b, reqFieldStride, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Stride))
	}
	return b, nil
}

// UnmarshalWire decodes the request, ignoring unknown fields.
func (r *SubscribeRequest) UnmarshalWire(b []byte) error {
	*r = SubscribeRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("subscribe request: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == reqFieldClientName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("subscribe request client_name: %w", protowire.ParseError(m))
			}
			r.ClientName = v
			b = b[m:]
		case num == reqFieldStride && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("subscribe request stride: %w", protowire.ParseError(m))
			}
			r.Stride = uint32(v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("subscribe request field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// CloudFrame is one assembled cloud on the wire. Unlike cloud.PointCloud it
// owns its slices outright, so frames may be buffered and shared between
// subscriber goroutines after the source cloud is recycled.
type CloudFrame struct {
	CloudID string
	FrameID string
	StampNS int64
	Layout  uint32
	Scans   uint32

	X, Y, Z   []float32
	Intensity []float32
	RGB       []uint32
}

// Len returns the number of points in the frame.
func (f *CloudFrame) Len() int { return len(f.X) }

// FrameFromCloud copies a cloud into a frame. The copy is what makes
// publishing safe: the accumulator recycles the cloud as soon as
// PublishCloud returns.
func FrameFromCloud(c *cloud.PointCloud) *CloudFrame {
	f := &CloudFrame{
		CloudID: c.ID,
		FrameID: c.Frame,
		StampNS: c.Stamp.UnixNano(),
		Layout:  uint32(c.Layout),
		Scans:   uint32(c.Scans),
		X:       append([]float32(nil), c.X...),
		Y:       append([]float32(nil), c.Y...),
		Z:       append([]float32(nil), c.Z...),
	}
	if len(c.Intensity) > 0 {
		f.Intensity = append([]float32(nil), c.Intensity...)
	}
	if len(c.RGB) > 0 {
		f.RGB = append([]uint32(nil), c.RGB...)
	}
	return f
}

// ToCloud converts a frame back into a pooled cloud, for replay paths that
// feed recorded frames through cloud.Publisher implementations. The caller
// owns the result and should Release it when done.
func (f *CloudFrame) ToCloud() *cloud.PointCloud {
	c := cloud.GetPointCloud(cloud.Layout(f.Layout))
	c.ID = f.CloudID
	c.Frame = f.FrameID
	c.Stamp = time.Unix(0, f.StampNS).UTC()
	c.Scans = int(f.Scans)
	c.X = append(c.X, f.X...)
	c.Y = append(c.Y, f.Y...)
	c.Z = append(c.Z, f.Z...)
	c.Intensity = append(c.Intensity, f.Intensity...)
	c.RGB = append(c.RGB, f.RGB...)
	return c
}

// MarshalWire encodes the frame in protobuf wire format. Float arrays use
// packed fixed32 encoding, rgb uses packed varints.
func (f *CloudFrame) MarshalWire() ([]byte, error) {
	est := 64 + len(f.CloudID) + len(f.FrameID) +
		4*(len(f.X)+len(f.Y)+len(f.Z)+len(f.Intensity)) + 5*len(f.RGB)
	b := make([]byte, 0, est)

	if f.CloudID != "" {
		b = protowire.AppendTag(b, frameFieldCloudID, protowire.BytesType)
		b = protowire.AppendString(b, f.CloudID)
	}
	if f.FrameID != "" {
		b = protowire.AppendTag(b, frameFieldFrameID, protowire.BytesType)
		b = protowire.AppendString(b, f.FrameID)
	}
	if f.StampNS != 0 {
		b = protowire.AppendTag(b, frameFieldStampNS, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.StampNS))
	}
	if f.Layout != 0 {
		b = protowire.AppendTag(b, frameFieldLayout, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Layout))
	}
	if f.Scans != 0 {
		b = protowire.AppendTag(b, frameFieldScanCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Scans))
	}
	b = appendPackedFloats(b, frameFieldX, f.X)
	b = appendPackedFloats(b, frameFieldY, f.Y)
	b = appendPackedFloats(b, frameFieldZ, f.Z)
	b = appendPackedFloats(b, frameFieldIntensity, f.Intensity)
	b = appendPackedUint32s(b, frameFieldRGB, f.RGB)
	return b, nil
}

// UnmarshalWire decodes a frame. Repeated scalar fields are accepted in
// both packed and unpacked form, and unknown fields are skipped.
func (f *CloudFrame) UnmarshalWire(b []byte) error {
	*f = CloudFrame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("cloud frame: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var m int
		var err error
		switch num {
		case frameFieldCloudID:
			f.CloudID, m = protowire.ConsumeString(b)
		case frameFieldFrameID:
			f.FrameID, m = protowire.ConsumeString(b)
		case frameFieldStampNS:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			f.StampNS = int64(v)
		case frameFieldLayout:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			f.Layout = uint32(v)
		case frameFieldScanCount:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			f.Scans = uint32(v)
		case frameFieldX:
			f.X, m, err = consumeFloats(f.X, typ, b)
		case frameFieldY:
			f.Y, m, err = consumeFloats(f.Y, typ, b)
		case frameFieldZ:
			f.Z, m, err = consumeFloats(f.Z, typ, b)
		case frameFieldIntensity:
			f.Intensity, m, err = consumeFloats(f.Intensity, typ, b)
		case frameFieldRGB:
			f.RGB, m, err = consumeUint32s(f.RGB, typ, b)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if err != nil {
			return fmt.Errorf("cloud frame field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("cloud frame field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	if len(f.Y) != len(f.X) || len(f.Z) != len(f.X) {
		return fmt.Errorf("cloud frame: coordinate arrays disagree (%d/%d/%d)",
			len(f.X), len(f.Y), len(f.Z))
	}
	return nil
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vals)))
	for _, v := range vals {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendPackedUint32s(b []byte, num protowire.Number, vals []uint32) []byte {
	if len(vals) == 0 {
		return b
	}
	payload := 0
	for _, v := range vals {
		payload += protowire.SizeVarint(uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(payload))
	for _, v := range vals {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func consumeFloats(dst []float32, typ protowire.Type, b []byte) ([]float32, int, error) {
	switch typ {
	case protowire.BytesType:
		pk, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, nil
		}
		if len(pk)%4 != 0 {
			return dst, n, fmt.Errorf("packed float payload of %d bytes", len(pk))
		}
		if need := len(pk) / 4; cap(dst)-len(dst) < need {
			grown := make([]float32, len(dst), len(dst)+need)
			copy(grown, dst)
			dst = grown
		}
		for len(pk) > 0 {
			v, m := protowire.ConsumeFixed32(pk)
			if m < 0 {
				return dst, n, protowire.ParseError(m)
			}
			dst = append(dst, math.Float32frombits(v))
			pk = pk[m:]
		}
		return dst, n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, n, nil
		}
		return append(dst, math.Float32frombits(v)), n, nil
	default:
		return dst, 0, fmt.Errorf("unexpected wire type %d for float field", typ)
	}
}

func consumeUint32s(dst []uint32, typ protowire.Type, b []byte) ([]uint32, int, error) {
	switch typ {
	case protowire.BytesType:
		pk, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, nil
		}
		for len(pk) > 0 {
			v, m := protowire.ConsumeVarint(pk)
			if m < 0 {
				return dst, n, protowire.ParseError(m)
			}
			dst = append(dst, uint32(v))
			pk = pk[m:]
		}
		return dst, n, nil
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return dst, n, nil
		}
		return append(dst, uint32(v)), n, nil
	default:
		return dst, 0, fmt.Errorf("unexpected wire type %d for uint32 field", typ)
	}
}
