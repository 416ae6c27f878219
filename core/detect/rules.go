// Package detect implements content-based secret detection for the read
// path. Provenance markers (src:*, dir:*) track where a value came from but
// say nothing about what it contains; this package gives first-contact
// protection to a credential that lands in the workspace before mlld ever
// tracked it, by auto-applying label.Secret when a read's content matches a
// built-in rule.
package detect

import "regexp"

// Rule is a single built-in content-matching rule.
type Rule struct {
	ID          string
	Description string
	Matcher     Matcher
}

// Matcher finds candidate secret spans in file content.
type Matcher interface {
	Match(content []byte) []Hit
}

// Hit is one match of a rule against content.
type Hit struct {
	RuleID string
	Line   int
	Text   string
}

// regexMatcher adapts a compiled pattern to Matcher.
type regexMatcher struct {
	ruleID string
	re     *regexp.Regexp
}

func (m regexMatcher) Match(content []byte) []Hit {
	var out []Hit
	for _, loc := range m.re.FindAllIndex(content, -1) {
		out = append(out, Hit{RuleID: m.ruleID, Text: string(content[loc[0]:loc[1]])})
	}
	return out
}

// builtinRules covers the pattern families that matter for first-contact
// detection (cloud credentials, VCS tokens, PEM private keys, generic
// assignments) without carrying a full vendor-specific catalog; this domain
// has no use for per-vendor finding IDs.
var builtinRules = []Rule{
	{ID: "SEC-AWS-001", Description: "AWS access key ID", Matcher: regexMatcher{"SEC-AWS-001", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)}},
	{ID: "SEC-GH-001", Description: "GitHub personal access token", Matcher: regexMatcher{"SEC-GH-001", regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`)}},
	{ID: "SEC-SLACK-001", Description: "Slack bot token", Matcher: regexMatcher{"SEC-SLACK-001", regexp.MustCompile(`xox[baprs]-[0-9A-Za-z-]{10,}`)}},
	{ID: "SEC-PEM-001", Description: "PEM private key header", Matcher: regexMatcher{"SEC-PEM-001", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |)PRIVATE KEY-----`)}},
	{ID: "SEC-GENERIC-001", Description: "generic assignment to a secret-suggestive name", Matcher: regexMatcher{"SEC-GENERIC-001", regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*['"][A-Za-z0-9+/=_-]{12,}['"]`)}},
	{ID: "SEC-ENTROPY-001", Description: "high-entropy candidate string", Matcher: EntropyMatcher{}},
}

// Rules returns the built-in detection rules.
func Rules() []Rule { return builtinRules }

// Scan runs every built-in rule against content and returns all hits.
func Scan(content []byte) []Hit {
	var out []Hit
	for _, r := range builtinRules {
		out = append(out, r.Matcher.Match(content)...)
	}
	return out
}

// Detected reports whether any built-in rule fired against content, the
// boolean form core/readtaint consults to decide whether to auto-apply
// label.Secret.
func Detected(content []byte) bool {
	for _, r := range builtinRules {
		if len(r.Matcher.Match(content)) > 0 {
			return true
		}
	}
	return false
}
