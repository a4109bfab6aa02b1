package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// RepairJSON parses a JSON object, applying two cheap repairs before
// giving up: stray quotes after the closing brace (a frequent model
// artefact) and trailing commas. A false return means the body stayed
// unparseable and the caller should treat it as malformed.
func RepairJSON(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	if m, ok := tryUnmarshal(raw); ok {
		return m, true
	}

	// Models sometimes close with }" or }”.
	repaired := strings.TrimRight(raw, `"”' `)
	if m, ok := tryUnmarshal(repaired); ok {
		return m, true
	}

	repaired = trailingCommaPattern.ReplaceAllString(repaired, "$1")
	if m, ok := tryUnmarshal(repaired); ok {
		return m, true
	}
	return nil, false
}

func tryUnmarshal(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}
