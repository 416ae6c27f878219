package evalrpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/guard"
	"github.com/mlld-lang/sec/core/label"
)

// ScopeToStruct serializes the guard scope into the wire payload the
// evaluator backend receives. Only the scope contract of the guard runtime
// crosses the boundary; raw values and sealed credentials never do.
func ScopeToStruct(scope guard.Scope) (*structpb.Struct, error) {
	m := map[string]any{
		"op": map[string]any{
			"type":   scope.Op.Type,
			"name":   scope.Op.Name,
			"labels": labelsToAny(scope.Op.Labels.Slice()),
		},
		"labels":         labelsToAny(scope.Labels.Slice()),
		"taint":          labelsToAny(scope.Taint.Slice()),
		"sources":        stringsToAny(scope.Sources),
		"input_preview":  scope.InputPreview,
		"output_preview": scope.OutputPreview,
		"guard": map[string]any{
			"try":          scope.Guard.Try,
			"tries":        scope.Guard.Tries,
			"max":          scope.Guard.Max,
			"hint_history": stringsToAny(scope.Guard.HintHistory),
			"timing":       scope.Guard.Timing,
		},
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("evalrpc: scope to struct: %w", err)
	}
	return s, nil
}

// ActionFromStruct deserializes an evaluator backend's response into a
// guard.Action. Unknown kinds are an error, never a silent allow.
func ActionFromStruct(s *structpb.Struct) (guard.Action, error) {
	if s == nil {
		return guard.Action{}, fmt.Errorf("evalrpc: nil action payload")
	}
	fields := s.AsMap()

	kind, _ := fields["kind"].(string)
	switch kind {
	case "allow":
		warning, _ := fields["warning"].(string)
		if warning != "" {
			return guard.AllowWithWarning(warning), nil
		}
		return guard.Allow(), nil
	case "allow_replacement":
		return guard.AllowReplacement(fields["replacement"]), nil
	case "deny":
		reason, _ := fields["reason"].(string)
		ruleID, _ := fields["rule"].(string)
		if ruleID != "" {
			return guard.DenyRule(reason, ruleID, anyToStrings(fields["suggestions"])...), nil
		}
		return guard.Deny(reason), nil
	case "retry":
		hint, _ := fields["hint"].(string)
		return guard.Retry(hint), nil
	case "env":
		cfg, err := envConfigFromAny(fields["env"])
		if err != nil {
			return guard.Action{}, err
		}
		return guard.EnvSwitch(cfg), nil
	default:
		return guard.Action{}, fmt.Errorf("evalrpc: unknown action kind %q", kind)
	}
}

// ActionToStruct serializes an action for the backend → host response. The
// SDK uses this; the host uses ActionFromStruct.
func ActionToStruct(a guard.Action) (*structpb.Struct, error) {
	m := map[string]any{}
	switch a.Kind {
	case guard.ActionAllow:
		m["kind"] = "allow"
		if a.Warning != "" {
			m["warning"] = a.Warning
		}
	case guard.ActionAllowReplacement:
		m["kind"] = "allow_replacement"
		m["replacement"] = fmt.Sprintf("%v", a.Replacement)
	case guard.ActionDeny:
		m["kind"] = "deny"
		m["reason"] = a.Reason
		if a.RuleID != "" {
			m["rule"] = a.RuleID
			m["suggestions"] = stringsToAny(a.Suggestions)
		}
	case guard.ActionRetry:
		m["kind"] = "retry"
		m["hint"] = a.Hint
	case guard.ActionEnv:
		m["kind"] = "env"
		m["env"] = envConfigToAny(a.EnvConfig)
	default:
		return nil, fmt.Errorf("evalrpc: unknown action kind %v", a.Kind)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("evalrpc: action to struct: %w", err)
	}
	return s, nil
}

func envConfigToAny(cfg env.Config) map[string]any {
	return map[string]any{
		"fs_read":  stringsToAny(cfg.FSRead),
		"fs_write": stringsToAny(cfg.FSWrite),
		"net":      cfg.Net.String(),
		"tools":    stringsToAny(cfg.Tools),
		"mcps":     stringsToAny(cfg.MCPs),
		"limits": map[string]any{
			"mem_bytes":  cfg.Limits.MemBytes,
			"cpu_shares": cfg.Limits.CPUShares,
			"timeout_ms": cfg.Limits.TimeoutMs,
		},
	}
}

func envConfigFromAny(v any) (env.Config, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return env.Config{}, fmt.Errorf("evalrpc: env action missing config")
	}
	cfg := env.Config{
		FSRead:  env.GlobList(anyToStrings(m["fs_read"])),
		FSWrite: env.GlobList(anyToStrings(m["fs_write"])),
		Tools:   anyToStrings(m["tools"]),
		MCPs:    anyToStrings(m["mcps"]),
	}
	switch net, _ := m["net"].(string); net {
	case "host":
		cfg.Net = env.NetworkHost
	case "limited":
		cfg.Net = env.NetworkLimited
	default:
		cfg.Net = env.NetworkNone
	}
	if lm, ok := m["limits"].(map[string]any); ok {
		cfg.Limits = env.Limits{
			MemBytes:  int64(numOrZero(lm["mem_bytes"])),
			CPUShares: int64(numOrZero(lm["cpu_shares"])),
			TimeoutMs: int64(numOrZero(lm["timeout_ms"])),
		}
	}
	return cfg, nil
}

func numOrZero(v any) float64 {
	f, _ := v.(float64)
	return f
}

func labelsToAny(ls []label.Label) []any {
	out := make([]any, len(ls))
	for i, l := range ls {
		out[i] = string(l)
	}
	return out
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func anyToStrings(v any) []string {
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
