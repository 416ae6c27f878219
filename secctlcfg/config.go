// Package secctlcfg loads the declarative YAML documents that configure the
// security core: policy layers, guard declarations, the root environment,
// and, for the secctl dry-run harness, scripted operation sequences.
package secctlcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlld-lang/sec/core/env"
	"github.com/mlld-lang/sec/core/label"
	"github.com/mlld-lang/sec/core/policy"
)

// Document is the top-level YAML shape of a security config file.
type Document struct {
	Policy      PolicyConfig      `yaml:"policy"`
	Environment EnvironmentConfig `yaml:"environment"`
	Guards      []GuardConfig     `yaml:"guards"`
	Evaluators  []string          `yaml:"evaluators"` // backend binary paths
}

// PolicyConfig is one declarative policy layer.
type PolicyConfig struct {
	Defaults struct {
		Rules []string `yaml:"rules"`
	} `yaml:"defaults"`
	Capabilities struct {
		Allow  []string `yaml:"allow"`
		Deny   []string `yaml:"deny"`
		Danger []string `yaml:"danger"`
	} `yaml:"capabilities"`
	Operations    map[string]string   `yaml:"operations"` // label → risk category
	Labels        []FlowRuleConfig    `yaml:"labels"`
	Unlabeled     string              `yaml:"unlabeled"`      // trusted | untrusted | ""
	TrustConflict string              `yaml:"trust_conflict"` // warn | error | silent
	Auth          map[string]AuthRef  `yaml:"auth"`
	Limits        *LimitsConfig       `yaml:"limits"`
}

// FlowRuleConfig is one label-flow rule.
type FlowRuleConfig struct {
	Data   string `yaml:"data"`
	Op     string `yaml:"op"`
	Action string `yaml:"action"` // deny | allow
}

// AuthRef maps a credential name to its sealed-path source and env var.
type AuthRef struct {
	From string `yaml:"from"`
	As   string `yaml:"as"`
}

// LimitsConfig mirrors env.Limits in YAML.
type LimitsConfig struct {
	MemBytes  int64 `yaml:"mem_bytes"`
	CPUShares int64 `yaml:"cpu_shares"`
	TimeoutMs int64 `yaml:"timeout_ms"`
}

// EnvironmentConfig is the root environment in YAML.
type EnvironmentConfig struct {
	Provider string `yaml:"provider"`
	FS       struct {
		Read  []string `yaml:"read"`
		Write []string `yaml:"write"`
	} `yaml:"fs"`
	Net    string        `yaml:"net"` // none | limited | host
	Limits *LimitsConfig `yaml:"limits"`
	Tools  []string      `yaml:"tools"`
	MCPs   []string      `yaml:"mcps"`
}

// GuardConfig declares a guard whose block lives in an evaluator backend.
// In-process guards are registered programmatically; config-declared guards
// are always remote.
type GuardConfig struct {
	Name       string `yaml:"name"`
	Privileged bool   `yaml:"privileged"`
	Timing     string `yaml:"timing"` // before | after | always
	Filter     string `yaml:"filter"` // label; kind auto-resolved
}

// Load reads and parses a config document. A missing file is an error: the
// harness never invents a default policy.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secctlcfg: reading %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("secctlcfg: parsing %s: %w", path, err)
	}
	return &doc, nil
}

// ToPolicy converts the document's policy section into a policy layer ready
// for policy.Compile.
func (d *Document) ToPolicy() (policy.Policy, error) {
	pc := d.Policy
	p := policy.Policy{
		CapabilityAllow:       pc.Capabilities.Allow,
		CapabilityDeny:        pc.Capabilities.Deny,
		CapabilityDanger:      pc.Capabilities.Danger,
		DefaultsRules:         pc.Defaults.Rules,
		TrustConflictResolver: label.ParseConflictResolver(pc.TrustConflict),
	}

	switch pc.Unlabeled {
	case "trusted":
		p.UnlabeledDefault = policy.UnlabeledTrusted
	case "untrusted":
		p.UnlabeledDefault = policy.UnlabeledUntrusted
	case "":
		p.UnlabeledDefault = policy.UnlabeledNone
	default:
		return policy.Policy{}, fmt.Errorf("secctlcfg: unknown unlabeled default %q", pc.Unlabeled)
	}

	if len(pc.Operations) > 0 {
		p.OperationRisk = map[label.Label][]policy.RiskTag{}
		for l, risk := range pc.Operations {
			p.OperationRisk[label.Label(l)] = []policy.RiskTag{policy.RiskTag(risk)}
		}
	}

	for _, fr := range pc.Labels {
		action := policy.FlowDeny
		switch fr.Action {
		case "deny", "":
		case "allow":
			action = policy.FlowAllow
		default:
			return policy.Policy{}, fmt.Errorf("secctlcfg: unknown flow action %q", fr.Action)
		}
		p.LabelFlow = append(p.LabelFlow, policy.FlowRule{
			DataLabel: label.Label(fr.Data),
			OpLabel:   label.Label(fr.Op),
			Action:    action,
		})
	}

	if len(pc.Auth) > 0 {
		p.AuthTable = map[string]policy.AuthBinding{}
		for name, ref := range pc.Auth {
			p.AuthTable[name] = policy.AuthBinding{From: ref.From, As: ref.As}
		}
	}

	if pc.Limits != nil {
		p = p.WithLimits(env.Limits{
			MemBytes:  pc.Limits.MemBytes,
			CPUShares: pc.Limits.CPUShares,
			TimeoutMs: pc.Limits.TimeoutMs,
		})
	}

	return p, nil
}

// ToEnvConfig converts the document's environment section into the root
// environment config. Credential bindings are resolved and sealed by the
// caller, never parsed from YAML.
func (d *Document) ToEnvConfig() (env.Config, error) {
	ec := d.Environment
	cfg := env.Config{
		Provider: ec.Provider,
		FSRead:   env.GlobList(ec.FS.Read),
		FSWrite:  env.GlobList(ec.FS.Write),
		Tools:    ec.Tools,
		MCPs:     ec.MCPs,
	}

	switch ec.Net {
	case "none", "":
		cfg.Net = env.NetworkNone
	case "limited":
		cfg.Net = env.NetworkLimited
	case "host":
		cfg.Net = env.NetworkHost
	default:
		return env.Config{}, fmt.Errorf("secctlcfg: unknown net mode %q", ec.Net)
	}

	if ec.Limits != nil {
		cfg.Limits = env.Limits{
			MemBytes:  ec.Limits.MemBytes,
			CPUShares: ec.Limits.CPUShares,
			TimeoutMs: ec.Limits.TimeoutMs,
		}
	}

	return cfg, nil
}
