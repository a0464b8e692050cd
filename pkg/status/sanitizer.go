// Package status turns raw runtime diagnostics into text that is safe to
// persist on an action and show to its owner.
package status

import (
	"regexp"
	"strings"
)

var (
	parenthesized = regexp.MustCompile(`\(.*?\)`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// sensitivePattern is a pattern redacted from runtime diagnostics
type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var runtimePatterns = []sensitivePattern{
	// registry credentials embedded in URLs
	{regexp.MustCompile(`https?://[^:/\s]+:[^@\s]+@`), "https://[credentials]@"},
	// bearer tokens echoed back by registries
	{regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`), "Bearer [redacted]"},
}

// CleanRuntimeError strips parenthesized client noise, redacts credentials and
// collapses whitespace in a container runtime error.
func CleanRuntimeError(err error) string {
	if err == nil {
		return ""
	}
	return CleanRuntimeMessage(err.Error())
}

// CleanRuntimeMessage is CleanRuntimeError for plain text.
func CleanRuntimeMessage(message string) string {
	result := parenthesized.ReplaceAllString(message, "")
	for _, sp := range runtimePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	result = whitespace.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// RedactedSecret is the text a secret is replaced with
const RedactedSecret = "***"

// SecretRedactor replaces every occurrence of a set of secrets
type SecretRedactor struct {
	secrets []string
}

// NewSecretRedactor builds a redactor. Empty secrets are ignored.
func NewSecretRedactor(secrets ...string) *SecretRedactor {
	r := &SecretRedactor{}
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Redact replaces all secrets in line with RedactedSecret
func (r *SecretRedactor) Redact(line string) string {
	if r == nil {
		return line
	}
	for _, s := range r.secrets {
		line = strings.ReplaceAll(line, s, RedactedSecret)
	}
	return line
}
