package config

import (
	"sort"
	"strconv"
	"strings"
)

// BackendTier classifies a backend for the router's selection policy.
type BackendTier string

// Backend tiers, cheapest first in selection order.
const (
	TierLocal BackendTier = "local"
	TierFree  BackendTier = "free"
	TierPaid  BackendTier = "paid"
)

// BackendConfig describes one LLM backend discovered from the
// environment.
type BackendConfig struct {
	Name    string      `yaml:"name"`
	BaseURL string      `yaml:"base_url"`
	Model   string      `yaml:"model"`
	APIKey  string      `yaml:"-"`
	Tier    BackendTier `yaml:"tier"`
	Enabled bool        `yaml:"enabled"`
}

// HasAPIKey reports whether an API key is configured. Local backends
// typically run without one.
func (b BackendConfig) HasAPIKey() bool { return b.APIKey != "" }

// discoverBackends scans the environment for the LLM_<NAME>_ENABLED /
// _BASE_URL / _MODEL / _API_KEY / _TIER convention and returns the
// enabled backends sorted by name for deterministic registration
// order.
func discoverBackends(environ []string) []BackendConfig {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}

	names := make(map[string]bool)
	for key := range vars {
		if !strings.HasPrefix(key, "LLM_") {
			continue
		}
		rest := key[len("LLM_"):]
		for _, suffix := range []string{"_ENABLED", "_BASE_URL", "_MODEL", "_API_KEY", "_TIER"} {
			if strings.HasSuffix(rest, suffix) {
				names[strings.TrimSuffix(rest, suffix)] = true
			}
		}
	}

	var out []BackendConfig
	for name := range names {
		prefix := "LLM_" + name + "_"
		enabled, _ := strconv.ParseBool(vars[prefix+"ENABLED"])
		if !enabled {
			continue
		}
		b := BackendConfig{
			Name:    strings.ToLower(name),
			BaseURL: vars[prefix+"BASE_URL"],
			Model:   vars[prefix+"MODEL"],
			APIKey:  vars[prefix+"API_KEY"],
			Enabled: true,
			Tier:    BackendTier(strings.ToLower(vars[prefix+"TIER"])),
		}
		if b.Tier == "" {
			b.Tier = inferTier(b)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// inferTier guesses the tier when LLM_<NAME>_TIER is absent: loopback
// URLs are local, keyless backends are free, keyed backends are paid.
func inferTier(b BackendConfig) BackendTier {
	u := strings.ToLower(b.BaseURL)
	if strings.Contains(u, "localhost") || strings.Contains(u, "127.0.0.1") {
		return TierLocal
	}
	if !b.HasAPIKey() {
		return TierFree
	}
	return TierPaid
}
