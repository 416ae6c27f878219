// Package evalrpc defines the wire contract between the guard runtime and an
// out-of-process guard-block evaluator: a two-method gRPC service,
// GuardBridge, whose messages are google.protobuf.Struct payloads. The
// client stub, server interface, and ServiceDesc below are hand-written in
// the exact shape protoc-gen-go-grpc emits for a two-unary-method service;
// the messages themselves are the pre-generated structpb types, so the wire
// format is ordinary protobuf end to end.
package evalrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// BridgeAPIVersion is the protocol version exchanged during handshake.
const BridgeAPIVersion = "v1"

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "mlld.eval.v1.GuardBridge"

	handshakeMethod = "/" + ServiceName + "/Handshake"
	evaluateMethod  = "/" + ServiceName + "/Evaluate"
)

// GuardBridgeClient is the client API for the GuardBridge service.
type GuardBridgeClient interface {
	// Handshake exchanges api_version and the evaluator's guard inventory.
	Handshake(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	// Evaluate runs one guard block against a serialized scope and returns
	// the resulting action.
	Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type guardBridgeClient struct {
	cc grpc.ClientConnInterface
}

// NewGuardBridgeClient wraps a client connection as a GuardBridgeClient.
func NewGuardBridgeClient(cc grpc.ClientConnInterface) GuardBridgeClient {
	return &guardBridgeClient{cc}
}

func (c *guardBridgeClient) Handshake(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, handshakeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *guardBridgeClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GuardBridgeServer is the server API for the GuardBridge service.
type GuardBridgeServer interface {
	Handshake(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedGuardBridgeServer may be embedded for forward compatibility.
type UnimplementedGuardBridgeServer struct{}

func (UnimplementedGuardBridgeServer) Handshake(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, errUnimplemented("Handshake")
}

func (UnimplementedGuardBridgeServer) Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, errUnimplemented("Evaluate")
}

// RegisterGuardBridgeServer registers srv on s.
func RegisterGuardBridgeServer(s grpc.ServiceRegistrar, srv GuardBridgeServer) {
	s.RegisterService(&GuardBridgeServiceDesc, srv)
}

func handshakeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuardBridgeServer).Handshake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: handshakeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GuardBridgeServer).Handshake(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuardBridgeServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GuardBridgeServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GuardBridgeServiceDesc is the grpc.ServiceDesc for the GuardBridge service.
var GuardBridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GuardBridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: handshakeHandler},
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mlld/eval/v1/guard_bridge.proto",
}

type unimplementedError string

func (e unimplementedError) Error() string {
	return "method " + string(e) + " not implemented"
}

func errUnimplemented(method string) error { return unimplementedError(method) }
