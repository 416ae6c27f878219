// Package evalhost is the host side of the out-of-process guard-block
// evaluator boundary: it dials GuardBridge backends, enforces a safety
// policy over what each backend declared at handshake, rate-limits dispatch,
// and redacts secret-bearing previews before they cross the process
// boundary. A RemoteBlockRunner adapts a backend guard into the same
// guard.Block shape as an in-process guard, so the dispatcher never knows
// which kind it has.
package evalhost

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// RiskClass classifies the level of system interaction a backend requires.
type RiskClass string

const (
	// RiskClassPassive indicates pure predicate evaluation, no side effects.
	RiskClassPassive RiskClass = "passive"
	// RiskClassActive indicates the backend may transform values.
	RiskClassActive RiskClass = "active"
	// RiskClassRuntime indicates the backend may execute arbitrary code.
	RiskClassRuntime RiskClass = "runtime"
)

// riskRank orders risk classes for comparison. Unknown classes rank above
// runtime so they always fail a bounded policy.
func riskRank(rc RiskClass) int {
	switch rc {
	case RiskClassPassive:
		return 0
	case RiskClassActive:
		return 1
	case RiskClassRuntime:
		return 2
	default:
		return 3
	}
}

// Safety defines the bounds an evaluator backend must operate within. The
// host validates each backend's handshake declaration against this policy
// before allowing registration.
type Safety struct {
	AllowedNetworkHosts []string
	AllowedFilePaths    []string
	MaxRiskClass        RiskClass
	MaxRequestsPerMin   int
	EvaluationTimeout   time.Duration
}

// DefaultSafety returns a conservative policy suitable for untrusted
// backends: no network access, passive-only, 5s evaluation timeout.
func DefaultSafety() Safety {
	return Safety{
		MaxRiskClass:      RiskClassPassive,
		EvaluationTimeout: 5 * time.Second,
	}
}

// Violation describes a single safety constraint a backend declaration
// violates.
type Violation struct {
	Field   string
	Message string
}

// Error implements the error interface for Violation.
func (v Violation) Error() string {
	return fmt.Sprintf("safety violation on %s: %s", v.Field, v.Message)
}

// Declaration is what a backend claims about itself during handshake.
type Declaration struct {
	Name         string
	APIVersion   string
	Guards       []string
	RiskClass    RiskClass
	NetworkHosts []string
	FilePaths    []string
}

// Validate checks a backend declaration against the policy. It returns all
// violations found, not just the first.
func (s Safety) Validate(decl Declaration) []Violation {
	var violations []Violation

	for _, host := range decl.NetworkHosts {
		if !hostAllowed(host, s.AllowedNetworkHosts) {
			violations = append(violations, Violation{
				Field:   "network_hosts",
				Message: fmt.Sprintf("host %q not allowed by policy", host),
			})
		}
	}

	for _, fp := range decl.FilePaths {
		if !pathAllowed(fp, s.AllowedFilePaths) {
			violations = append(violations, Violation{
				Field:   "file_paths",
				Message: fmt.Sprintf("path %q not allowed by policy", fp),
			})
		}
	}

	if decl.RiskClass != "" && riskRank(decl.RiskClass) > riskRank(s.MaxRiskClass) {
		violations = append(violations, Violation{
			Field:   "risk_class",
			Message: fmt.Sprintf("risk class %q exceeds policy maximum %q", decl.RiskClass, s.MaxRiskClass),
		})
	}

	return violations
}

// hostAllowed matches a host against the allowlist, supporting "*.domain"
// wildcard entries.
func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	return false
}

// pathAllowed matches a path against the allowlist using glob patterns and
// directory-prefix entries.
func pathAllowed(path string, allowed []string) bool {
	for _, a := range allowed {
		if ok, err := filepath.Match(a, path); err == nil && ok {
			return true
		}
		if strings.HasSuffix(a, "/") && strings.HasPrefix(path, a) {
			return true
		}
	}
	return false
}
