// Package mcpserve hosts an MCP server exposing read-only introspection over
// the compiled policy and the audit ledger. Which tools are reachable is
// gated by the active environment's MCP allowlist: a server name absent from
// the allowlist is never registered, so an attenuated environment attenuates
// the MCP surface with it.
package mcpserve

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/policy"
)

// ServerName is the MCP server identity; environments allowlist it under
// this name.
const ServerName = "mlld-sec"

// maxOutputBytes is the maximum response size before truncation (1 MB).
const maxOutputBytes = 1 << 20

// Server is the introspection MCP server.
type Server struct {
	version      string
	pol          *policy.Policy
	environment  *env.Context
	auditLogPath string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithAuditLog points the tail_audit tool at an audit JSONL file.
func WithAuditLog(path string) ServerOption {
	return func(s *Server) { s.auditLogPath = path }
}

// New creates an introspection server over a compiled policy. environment
// gates registration: if it does not allowlist ServerName, Serve refuses to
// start.
func New(version string, pol *policy.Policy, environment *env.Context, opts ...ServerOption) *Server {
	s := &Server{
		version:     version,
		pol:         pol,
		environment: environment,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve starts the MCP server on stdio and blocks until the client
// disconnects. Returns an error without serving when the active environment
// does not allowlist this server.
func (s *Server) Serve() error {
	if s.environment == nil || !s.environment.HasMCP(ServerName) {
		return fmt.Errorf("mcpserve: %q is not in the active environment's MCP allowlist", ServerName)
	}

	srv := mcpserver.NewMCPServer(
		ServerName,
		s.version,
		mcpserver.WithRecovery(),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerTools(srv)

	return mcpserver.ServeStdio(srv)
}

func (s *Server) registerTools(srv *mcpserver.MCPServer) {
	srv.AddTool(
		mcp.NewTool("inspect_policy",
			mcp.WithDescription("Show the compiled security policy: capability lists, label-flow rules, risk mappings, built-in rule bundles"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleInspectPolicy,
	)

	srv.AddTool(
		mcp.NewTool("tail_audit",
			mcp.WithDescription("Show the most recent audit ledger records"),
			mcp.WithNumber("count",
				mcp.Description("How many trailing records to return"),
				mcp.DefaultNumber(20),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleTailAudit,
	)
}

func (s *Server) handleInspectPolicy(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	view := map[string]any{
		"capabilities": map[string]any{
			"allow":  s.pol.CapabilityAllow,
			"deny":   s.pol.CapabilityDeny,
			"danger": s.pol.CapabilityDanger,
		},
		"operationRisk":    s.pol.OperationRisk,
		"labelFlow":        flowView(s.pol.LabelFlow),
		"defaultsRules":    s.pol.DefaultsRules,
		"unlabeledDefault": string(s.pol.UnlabeledDefault),
		"authBindings":     authNames(s.pol),
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshaling policy: %v", err)), nil
	}
	return mcp.NewToolResultText(truncate(string(data))), nil
}

func (s *Server) handleTailAudit(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count := 20
	if c, ok := request.GetArguments()["count"].(float64); ok && c > 0 {
		count = int(c)
	}
	if s.auditLogPath == "" {
		return mcp.NewToolResultError("no audit log configured"), nil
	}

	lines, err := tailLines(s.auditLogPath, count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reading audit log: %v", err)), nil
	}
	return mcp.NewToolResultText(truncate(strings.Join(lines, "\n"))), nil
}

// flowView renders label-flow rules as human-readable strings. Only deny
// rules survive composition, but the renderer handles both.
func flowView(rules []policy.FlowRule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		action := "allow"
		if r.Action == policy.FlowDeny {
			action = "deny"
		}
		out = append(out, fmt.Sprintf("%s -> %s: %s", r.DataLabel, r.OpLabel, action))
	}
	return out
}

// authNames exposes only credential names and env-var targets, never
// sealed-path references.
func authNames(p *policy.Policy) []string {
	out := make([]string, 0, len(p.AuthTable))
	for name, binding := range p.AuthTable {
		out = append(out, fmt.Sprintf("%s as %s", name, binding.As))
	}
	return out
}

func tailLines(path string, count int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > count {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (truncated)"
}
