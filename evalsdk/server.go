// Package evalsdk is a helper library for implementing an out-of-process
// guard-block evaluator: it wraps a gRPC server implementing the GuardBridge
// service with the MLLD_GUARD_ADDR stdout handshake protocol and signal
// handling, so a backend author only writes guard handlers.
package evalsdk

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/evalrpc"
)

// Handler evaluates one guard against a deserialized scope.
type Handler func(ctx context.Context, scope guard.Scope) (guard.Action, error)

// BridgeServer wraps a gRPC server implementing the GuardBridge service with
// the MLLD_GUARD_ADDR stdout handshake protocol and signal handling.
type BridgeServer struct {
	evalrpc.UnimplementedGuardBridgeServer
	decl     Declaration
	handlers map[string]Handler
}

// Declaration is what the backend advertises during handshake.
type Declaration struct {
	Name         string
	RiskClass    string
	NetworkHosts []string
	FilePaths    []string
}

// NewBridgeServer creates a BridgeServer with the given declaration.
func NewBridgeServer(decl Declaration) *BridgeServer {
	return &BridgeServer{
		decl:     decl,
		handlers: make(map[string]Handler),
	}
}

// HandleGuard registers a handler for the named guard. Returns the server
// for chaining.
func (s *BridgeServer) HandleGuard(name string, handler Handler) *BridgeServer {
	s.handlers[name] = handler
	return s
}

// Handshake implements the GuardBridge Handshake RPC.
func (s *BridgeServer) Handshake(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if v := req.GetFields()["api_version"].GetStringValue(); v != evalrpc.BridgeAPIVersion {
		return nil, status.Errorf(codes.FailedPrecondition, "unsupported API version %q, expected %q", v, evalrpc.BridgeAPIVersion)
	}

	guards := make([]any, 0, len(s.handlers))
	for name := range s.handlers {
		guards = append(guards, name)
	}

	resp, err := structpb.NewStruct(map[string]any{
		"name":          s.decl.Name,
		"api_version":   evalrpc.BridgeAPIVersion,
		"guards":        guards,
		"risk_class":    s.decl.RiskClass,
		"network_hosts": toAny(s.decl.NetworkHosts),
		"file_paths":    toAny(s.decl.FilePaths),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building handshake response: %v", err)
	}
	return resp, nil
}

// Evaluate implements the GuardBridge Evaluate RPC.
func (s *BridgeServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["guard_name"].GetStringValue()
	handler, ok := s.handlers[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown guard %q", name)
	}

	scope := scopeFromStruct(req)
	action, err := handler(ctx, scope)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "guard %q: %v", name, err)
	}
	return evalrpc.ActionToStruct(action)
}

// ServeOption configures the Serve method.
type ServeOption func(*serveConfig)

type serveConfig struct {
	addrWriter io.Writer
}

// WithAddrWriter redirects the MLLD_GUARD_ADDR output to w instead of os.Stdout.
func WithAddrWriter(w io.Writer) ServeOption {
	return func(cfg *serveConfig) {
		cfg.addrWriter = w
	}
}

// Serve starts the gRPC server, prints the address handshake line, and blocks
// until the context is cancelled or a shutdown signal is received.
func (s *BridgeServer) Serve(ctx context.Context, opts ...ServeOption) error {
	cfg := &serveConfig{addrWriter: os.Stdout}
	for _, opt := range opts {
		opt(cfg)
	}

	lis, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("evalsdk: listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	evalrpc.RegisterGuardBridgeServer(grpcServer, s)

	// Print the address for the host to connect to.
	addr := lis.Addr().String()
	fmt.Fprintf(cfg.addrWriter, "MLLD_GUARD_ADDR=%s\n", addr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-serveErr:
		return err
	}

	// Graceful shutdown with 5s timeout fallback.
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		grpcServer.Stop()
	}

	return nil
}

// scopeFromStruct rebuilds the scope-contract view a handler sees. Only the
// contract fields cross the wire; Input/Inputs descriptor handles stay on
// the host side, so a remote handler reasons over Labels/Taint/Sources and
// the previews.
func scopeFromStruct(s *structpb.Struct) guard.Scope {
	m := s.AsMap()
	scope := guard.Scope{}

	if op, ok := m["op"].(map[string]any); ok {
		scope.Op.Type, _ = op["type"].(string)
		scope.Op.Name, _ = op["name"].(string)
		scope.Op.Labels = labelSet(op["labels"])
	}
	scope.Labels = labelSet(m["labels"])
	scope.Taint = labelSet(m["taint"])
	scope.Sources = stringList(m["sources"])
	scope.InputPreview, _ = m["input_preview"].(string)
	scope.OutputPreview, _ = m["output_preview"].(string)

	if g, ok := m["guard"].(map[string]any); ok {
		scope.Guard.Try = intOf(g["try"])
		scope.Guard.Tries = intOf(g["tries"])
		scope.Guard.Max = intOf(g["max"])
		scope.Guard.HintHistory = stringList(g["hint_history"])
		scope.Guard.Timing, _ = g["timing"].(string)
	}
	return scope
}

func labelSet(v any) label.Set {
	set := label.NewSet()
	for _, s := range stringList(v) {
		set[label.Label(s)] = struct{}{}
	}
	return set
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intOf(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
