package stream

import (
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/calyx-robotics/scancloud/internal/diag"
)

// ServiceName is the fully qualified name of the streaming service.
const ServiceName = "scancloud.v1.CloudStream"

// serviceDesc describes the service by hand. The messages are encoded with
// protowire rather than generated stubs, so the descriptor is written out
// the same way protoc-gen-go-grpc would.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*cloudStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "proto/cloudstream.proto",
}

type cloudStreamServer interface {
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(cloudStreamServer).Subscribe(req, stream)
}

// Server implements the CloudStream service on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a Server backed by the given publisher.
func NewServer(p *Publisher) *Server {
	return &Server{publisher: p}
}

// Subscribe registers the caller with the publisher and forwards frames
// until the client hangs up or the publisher stops.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	name := req.ClientName
	if name == "" {
		name = "anonymous"
	}
	clientID := fmt.Sprintf("grpc-%d", time.Now().UnixNano())
	diag.Opsf("stream: Subscribe from %s: client=%s stride=%d", name, clientID, req.Stride)

	client := s.publisher.addClient(clientID, req)
	if client == nil {
		return status.Errorf(codes.ResourceExhausted,
			"subscriber limit %d reached", s.publisher.cfg.MaxClients)
	}
	defer s.publisher.removeClient(clientID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			diag.Tracef("stream: subscriber %s gone: %v", clientID, ctx.Err())
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case frame := <-client.frameCh:
			if req.Stride > 1 {
				frame = decimateFrame(frame, int(req.Stride))
			}
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		}
	}
}

// decimateFrame keeps every strideth point. Frames are shared between
// subscribers, so the result is always a fresh frame.
func decimateFrame(f *CloudFrame, stride int) *CloudFrame {
	if stride <= 1 || f.Len() == 0 {
		return f
	}
	n := f.Len()
	kept := (n + stride - 1) / stride
	out := &CloudFrame{
		CloudID: f.CloudID,
		FrameID: f.FrameID,
		StampNS: f.StampNS,
		Layout:  f.Layout,
		Scans:   f.Scans,
		X:       make([]float32, 0, kept),
		Y:       make([]float32, 0, kept),
		Z:       make([]float32, 0, kept),
	}
	if len(f.Intensity) > 0 {
		out.Intensity = make([]float32, 0, kept)
	}
	if len(f.RGB) > 0 {
		out.RGB = make([]uint32, 0, kept)
	}
	for i := 0; i < n; i += stride {
		out.X = append(out.X, f.X[i])
		out.Y = append(out.Y, f.Y[i])
		out.Z = append(out.Z, f.Z[i])
		if len(f.Intensity) > 0 {
			out.Intensity = append(out.Intensity, f.Intensity[i])
		}
		if len(f.RGB) > 0 {
			out.RGB = append(out.RGB, f.RGB[i])
		}
	}
	return out
}
