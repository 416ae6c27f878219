package evalhost

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/evalrpc"
)

// addrPrefix is the stdout handshake line a backend binary prints once its
// gRPC listener is up.
const addrPrefix = "MLLD_GUARD_ADDR="

// Backend manages a single gRPC connection to an evaluator process.
type Backend struct {
	decl    Declaration
	client  evalrpc.GuardBridgeClient
	conn    *grpc.ClientConn
	cmd     *exec.Cmd // nil if connected to an external process
	limiter *RateLimiter
	mu      sync.Mutex
}

// Decl returns the backend's handshake declaration.
func (b *Backend) Decl() Declaration { return b.decl }

// HasGuard reports whether the backend declared the named guard.
func (b *Backend) HasGuard(name string) bool {
	for _, g := range b.decl.Guards {
		if g == name {
			return true
		}
	}
	return false
}

// Close tears down the backend connection and, for spawned binaries, waits
// for the subprocess to exit.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
		_ = b.cmd.Wait()
	}
	return err
}

// Host is the aggregate root for evaluator backends. All remote guard-block
// evaluation flows through Host, which enforces the safety policy, routes by
// guard name, and redacts evaluator-bound previews.
type Host struct {
	safety   Safety
	backends map[string]*Backend // name → backend
	redactor *Redactor
	mu       sync.RWMutex
	logger   *slog.Logger
}

// HostOption is a functional option for configuring a Host.
type HostOption func(*Host)

// WithSafety sets the safety policy for the host.
func WithSafety(s Safety) HostOption {
	return func(h *Host) { h.safety = s }
}

// WithLogger sets the logger for the host.
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// NewHost creates a Host with the given options.
// Defaults: DefaultSafety(), slog.Default().
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		safety:   DefaultSafety(),
		backends: make(map[string]*Backend),
		redactor: NewRedactor(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register performs the handshake over an existing gRPC connection,
// validates the backend's declaration against the safety policy, and
// registers it. Returns an error if handshake fails or policy is violated.
func (h *Host) Register(ctx context.Context, conn *grpc.ClientConn) error {
	client := evalrpc.NewGuardBridgeClient(conn)

	req, err := structpb.NewStruct(map[string]any{
		"api_version": evalrpc.BridgeAPIVersion,
		"host":        "mlld-sec",
	})
	if err != nil {
		return fmt.Errorf("evalhost: building handshake: %w", err)
	}

	resp, err := client.Handshake(ctx, req)
	if err != nil {
		return fmt.Errorf("evalhost: handshake failed: %w", err)
	}

	decl := declarationFromStruct(resp)
	if decl.APIVersion != evalrpc.BridgeAPIVersion {
		return fmt.Errorf("evalhost: backend %q speaks api %q, want %q", decl.Name, decl.APIVersion, evalrpc.BridgeAPIVersion)
	}

	if violations := h.safety.Validate(decl); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		return fmt.Errorf("evalhost: backend %q rejected: %s", decl.Name, strings.Join(msgs, "; "))
	}

	b := &Backend{
		decl:    decl,
		client:  client,
		conn:    conn,
		limiter: NewRateLimiter(h.safety.MaxRequestsPerMin),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.backends[decl.Name] = b
	h.logger.Info("registered evaluator backend", "name", decl.Name, "guards", len(decl.Guards))
	return nil
}

// RegisterBinary spawns an evaluator binary, reads the MLLD_GUARD_ADDR
// handshake line from its stdout, dials the address, and registers the
// backend.
func (h *Host) RegisterBinary(ctx context.Context, path string, args []string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("evalhost: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("evalhost: starting backend binary: %w", err)
	}

	addr, err := readAddrLine(stdout, 10*time.Second)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("evalhost: reading handshake address: %w", err)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("evalhost: dialing backend: %w", err)
	}

	if err := h.Register(ctx, conn); err != nil {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		return err
	}

	// Re-attach the subprocess handle so Close can reap it.
	h.mu.Lock()
	for _, b := range h.backends {
		if b.conn == conn {
			b.cmd = cmd
		}
	}
	h.mu.Unlock()
	return nil
}

// RegisterBinaries registers several evaluator binaries concurrently.
// Individual failures abort the whole group: an evaluator pool with a
// missing member would silently skip its guards, which is not a safe
// degradation for a security core.
func (h *Host) RegisterBinaries(ctx context.Context, paths []string) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, path := range paths {
		g.Go(func() error {
			return h.RegisterBinary(gCtx, path, nil)
		})
	}
	return g.Wait()
}

// readAddrLine scans stdout for the MLLD_GUARD_ADDR line, bounded by timeout.
func readAddrLine(stdout io.Reader, timeout time.Duration) (string, error) {
	type result struct {
		addr string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, addrPrefix) {
				ch <- result{addr: strings.TrimPrefix(line, addrPrefix)}
				return
			}
		}
		ch <- result{err: fmt.Errorf("backend exited without printing %s", addrPrefix)}
	}()

	select {
	case r := <-ch:
		return r.addr, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting for %s", addrPrefix)
	}
}

// Evaluate routes a guard evaluation to the backend that declared the guard,
// applying rate limiting, the safety policy's evaluation timeout, and
// preview redaction on the outbound scope.
func (h *Host) Evaluate(ctx context.Context, guardName string, scope guard.Scope) (guard.Action, error) {
	h.mu.RLock()
	var target *Backend
	for _, b := range h.backends {
		if b.HasGuard(guardName) {
			target = b
			break
		}
	}
	h.mu.RUnlock()

	if target == nil {
		return guard.Action{}, fmt.Errorf("evalhost: no backend declares guard %q", guardName)
	}

	if err := target.limiter.Allow(ctx); err != nil {
		return guard.Action{}, fmt.Errorf("evalhost: rate limit: %w", err)
	}

	if t := h.safety.EvaluationTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	scope.InputPreview, _ = h.redactor.Redact(scope.InputPreview)
	scope.OutputPreview, _ = h.redactor.Redact(scope.OutputPreview)

	payload, err := evalrpc.ScopeToStruct(scope)
	if err != nil {
		return guard.Action{}, err
	}
	payload.Fields["guard_name"] = structpb.NewStringValue(guardName)

	resp, err := target.client.Evaluate(ctx, payload)
	if err != nil {
		return guard.Action{}, fmt.Errorf("evalhost: backend %q evaluate: %w", target.decl.Name, err)
	}
	return evalrpc.ActionFromStruct(resp)
}

// BlockRunner adapts a remote guard into the in-process guard.Block shape,
// so a Definition registered from a backend is indistinguishable from a
// local one at dispatch time.
func (h *Host) BlockRunner(guardName string) guard.Block {
	return func(ctx context.Context, scope guard.Scope) (guard.Action, error) {
		return h.Evaluate(ctx, guardName, scope)
	}
}

// Close tears down every backend.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, b := range h.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.backends, name)
	}
	return firstErr
}

func declarationFromStruct(s *structpb.Struct) Declaration {
	if s == nil {
		return Declaration{}
	}
	m := s.AsMap()
	decl := Declaration{}
	decl.Name, _ = m["name"].(string)
	decl.APIVersion, _ = m["api_version"].(string)
	if rc, ok := m["risk_class"].(string); ok {
		decl.RiskClass = RiskClass(rc)
	}
	decl.Guards = anyList(m["guards"])
	decl.NetworkHosts = anyList(m["network_hosts"])
	decl.FilePaths = anyList(m["file_paths"])
	return decl
}

func anyList(v any) []string {
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
