// Package grpc is the default coordination transport: a single unary RPC
// carrying envelope frames, multiplexed with the admin HTTP API on one port.
package grpc

import (
	"context"
	"fmt"

	"github.com/maxpert/mvccoord/encoding"
	"google.golang.org/grpc"
	grpcencoding "google.golang.org/grpc/encoding"
)

const (
	codecName     = "msgpack"
	serviceName   = "mvccoord.Coordination"
	deliverMethod = "/" + serviceName + "/Deliver"
)

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

// Frame is one encoded envelope and the node that sent it.
type Frame struct {
	From uint64 `msgpack:"f"`
	Data []byte `msgpack:"d"`
}

// Ack acknowledges a delivered frame.
type Ack struct{}

// msgpackCodec lets the gRPC service speak msgpack instead of protobuf.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return codecName
}

// CoordinationServer receives frames from peers.
type CoordinationServer interface {
	Deliver(ctx context.Context, frame *Frame) (*Ack, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinationServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinationServer).Deliver(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

var coordinationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mvccoord/coordination",
}

// RegisterCoordinationServer attaches srv to s.
func RegisterCoordinationServer(s grpc.ServiceRegistrar, srv CoordinationServer) {
	s.RegisterService(&coordinationServiceDesc, srv)
}

// deliver invokes Deliver on cc using the msgpack codec.
func deliver(ctx context.Context, cc grpc.ClientConnInterface, frame *Frame, opts ...grpc.CallOption) error {
	out := new(Ack)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := cc.Invoke(ctx, deliverMethod, frame, out, opts...); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}
