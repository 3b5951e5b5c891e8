package stream

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// wireMessage is implemented by the hand-encoded messages in this package.
type wireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(b []byte) error
}

// wireCodec replaces the default proto codec for the whole process. Messages
// from this package marshal through their protowire implementations;
// everything else (the gRPC health service, any generated stubs a client
// links in) falls back to the standard proto path, so registering it is
// transparent to other services on the same server.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.MarshalWire()
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("stream codec: cannot marshal %T", v)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wireMessage:
		return m.UnmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("stream codec: cannot unmarshal into %T", v)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
