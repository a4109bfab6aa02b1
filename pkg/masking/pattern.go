// Package masking scrubs secrets from cycle audit artefacts before
// they hit disk. Prompt and reply dumps quote tool output and config
// context verbatim, so anything that looks like a credential is
// replaced before the diff writer sees it.
package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// CompiledPattern is one pre-compiled secret pattern with its
// replacement marker.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover the credential shapes that show up in tool
// output and environment dumps.
var builtinPatterns = []struct {
	name, pattern, replacement string
}{
	{"api_key", `(?i)(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_\-\.]{16,}`, "$1=***MASKED_API_KEY***"},
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9_\-\.=]{16,}`, "Bearer ***MASKED_TOKEN***"},
	{"jwt", `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`, "***MASKED_JWT***"},
	{"telegram_token", `\b\d{8,10}:[A-Za-z0-9_-]{35}\b`, "***MASKED_TELEGRAM_TOKEN***"},
	{"url_password", `(://[^:/\s]+):[^@/\s]+@`, "$1:***MASKED***@"},
	{"secret_assignment", `(?i)(secret|password|passwd|token)["'\s:=]+\S{8,}`, "$1=***MASKED***"},
}

// Masker applies the built-in patterns plus exact-string redaction of
// the secrets the process was configured with.
type Masker struct {
	patterns []*CompiledPattern
	literals []string
	logger   *slog.Logger
}

// NewMasker compiles the built-in patterns. knownSecrets are config
// values (backend API keys, bridge tokens) redacted by exact match
// regardless of surrounding shape.
func NewMasker(knownSecrets []string, logger *slog.Logger) *Masker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Masker{logger: logger.With("component", "masking")}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			m.logger.Error("Failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	for _, s := range knownSecrets {
		// Tiny values would redact legitimate text.
		if len(s) >= 8 {
			m.literals = append(m.literals, s)
		}
	}
	return m
}

// AddPattern registers a custom pattern. Invalid regexes are logged
// and skipped. Startup only.
func (m *Masker) AddPattern(name, pattern, replacement string) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		m.logger.Error("Failed to compile custom masking pattern, skipping",
			"pattern", name, "error", err)
		return
	}
	m.patterns = append(m.patterns, &CompiledPattern{Name: name, Regex: compiled, Replacement: replacement})
}

// Mask returns text with every known secret shape replaced.
func (m *Masker) Mask(text string) string {
	for _, lit := range m.literals {
		text = strings.ReplaceAll(text, lit, "***MASKED***")
	}
	for _, p := range m.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}
