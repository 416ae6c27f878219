package evalhost

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// Redactor scans preview text bound for an evaluator backend and replaces
// secret-looking spans. This is defense in depth on top of the guard
// evaluator's descriptor-driven redaction: even when no secret label is
// present, raw credential material never crosses the process boundary in a
// recognizable shape.
//
// The patterns are intentionally duplicated from core/detect to avoid
// coupling evalhost to the detection pipeline.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a Redactor with common secret detection patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*[A-Za-z0-9/+=]{40}`),
			regexp.MustCompile(`gh[ps]_[A-Za-z0-9_]{36,}`),
			regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
			regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret)\s*[=:]\s*['"][A-Za-z0-9]{16,}['"]`),
			regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		},
	}
}

// Redact returns s with every secret-pattern match replaced. The bool
// reports whether any redaction was performed.
func (r *Redactor) Redact(s string) (string, bool) {
	redacted := false
	for _, p := range r.patterns {
		if p.MatchString(s) {
			s = p.ReplaceAllString(s, redactedPlaceholder)
			redacted = true
		}
	}
	return s, redacted
}
