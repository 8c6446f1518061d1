// Package server implements the inter-node relay service over gRPC
package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nainya/chatrelay/internal/relay"
	"github.com/nainya/chatrelay/pkg/bridge"
)

const (
	// ServiceName is the gRPC service every relay exposes to its peers
	ServiceName = "chatrelay.Relay"

	// DeliverMethod is the full method name of the only RPC
	DeliverMethod = "/" + ServiceName + "/Deliver"

	// NodeHeader carries the calling node's id
	NodeHeader = "x-chatrelay-node"
)

// RelayServiceServer is the server API for the relay service.
// Payloads are JSON chat requests and responses wrapped in BytesValue.
type RelayServiceServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServiceServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServiceServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RelayServiceDesc describes the relay service for grpc.Server.RegisterService
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatrelay/relay.proto",
}

// RegisterRelayServiceServer registers srv with s
func RegisterRelayServiceServer(s grpc.ServiceRegistrar, srv RelayServiceServer) {
	s.RegisterService(&RelayServiceDesc, srv)
}

// Submitter hands a unit of work to the relay loop and waits for its reply.
type Submitter interface {
	Submit(ctx context.Context, u bridge.Unit) (relay.Reply, error)
}

// Server implements RelayServiceServer on top of the relay loop
type Server struct {
	relay Submitter
}

// NewServer creates a peer-facing server that feeds r
func NewServer(r Submitter) *Server {
	return &Server{relay: r}
}

// Deliver accepts a chat request from another node's relay
func (s *Server) Deliver(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	source, err := sourceNode(ctx)
	if err != nil {
		return nil, err
	}

	reply, err := s.relay.Submit(ctx, bridge.PeerRequest{
		Source:  source,
		Payload: req.GetValue(),
	})
	if err != nil {
		if errors.Is(err, relay.ErrStopped) {
			return nil, status.Error(codes.Unavailable, "relay is shutting down")
		}
		return nil, status.FromContextError(err).Err()
	}
	if reply.Err != nil {
		return nil, replyStatus(reply.Err)
	}
	if reply.Response == nil {
		return nil, status.Error(codes.Internal, "relay produced no response")
	}

	body, err := reply.Response.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return wrapperspb.Bytes(body), nil
}

func sourceNode(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing node identity")
	}
	vals := md.Get(NodeHeader)
	if len(vals) == 0 || vals[0] == "" {
		return "", status.Error(codes.Unauthenticated, "missing node identity")
	}
	return vals[0], nil
}

func replyStatus(err error) error {
	switch {
	case errors.Is(err, bridge.ErrMalformedRequest), errors.Is(err, bridge.ErrMissingPayload):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	case errors.Is(err, relay.ErrMisaddressed):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
