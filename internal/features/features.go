package features

import (
	"os"
	"sort"
	"strings"
	"unicode"
)

// Feature describes a named feature flag.
type Feature struct {
	Name        string
	Default     bool
	Description string
}

var (
	// OfflineShortCircuit queues writes without a network attempt while the
	// connectivity monitor reports offline.
	OfflineShortCircuit = Feature{
		Name:        "offline_short_circuit",
		Default:     false,
		Description: "Queue writes immediately while the device is believed offline",
	}

	// EntityRefRewrite replaces temporary ids with server ids at send time.
	EntityRefRewrite = Feature{
		Name:        "entity_ref_rewrite",
		Default:     true,
		Description: "Rewrite temporary ids in queued requests once the server assigns real ids",
	}

	// StartupSync runs a sync as soon as the manager starts.
	StartupSync = Feature{
		Name:        "startup_sync",
		Default:     true,
		Description: "Sync the queue when a long-running command starts",
	}
)

var allFeatures = []Feature{
	EntityRefRewrite,
	OfflineShortCircuit,
	StartupSync,
}

var defaultValues = buildDefaultMap()

func buildDefaultMap() map[string]bool {
	values := make(map[string]bool, len(allFeatures))
	for _, feature := range allFeatures {
		values[feature.Name] = feature.Default
	}
	return values
}

// ListAll returns all known features.
func ListAll() []Feature {
	items := make([]Feature, len(allFeatures))
	copy(items, allFeatures)
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

// IsKnownFeature returns true when the feature exists in the registry.
func IsKnownFeature(name string) bool {
	_, ok := defaultValues[normalizeName(name)]
	return ok
}

// Set resolves flags against config file overrides.
type Set struct {
	overrides map[string]bool
}

// NewSet creates a resolver over the config file's features map, which may
// be nil.
func NewSet(overrides map[string]bool) *Set {
	normalized := make(map[string]bool, len(overrides))
	for k, v := range overrides {
		normalized[normalizeName(k)] = v
	}
	return &Set{overrides: normalized}
}

// Enabled reports whether f is on.
func (s *Set) Enabled(f Feature) bool {
	enabled, _ := s.Resolve(f.Name)
	return enabled
}

// Resolve returns the feature state and its source ("env", "config",
// "default"). Priority: env > config > default.
func (s *Set) Resolve(name string) (bool, string) {
	canonical := normalizeName(name)

	if enabled, ok := resolveEnvOverride(canonical); ok {
		return enabled, "env"
	}
	if s != nil {
		if enabled, ok := s.overrides[canonical]; ok {
			return enabled, "config"
		}
	}
	return defaultValues[canonical], "default"
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func resolveEnvOverride(name string) (bool, bool) {
	featureVar := "FIELDSYNC_FEATURE_" + normalizeForEnvKey(name)
	if enabled, ok := parseBoolEnv(featureVar); ok {
		return enabled, true
	}

	if containsFeatureName(os.Getenv("FIELDSYNC_DISABLE_FEATURES"), name) {
		return false, true
	}
	if containsFeatureName(os.Getenv("FIELDSYNC_ENABLE_FEATURES"), name) {
		return true, true
	}
	return false, false
}

func normalizeForEnvKey(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range upper {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func parseBoolEnv(key string) (bool, bool) {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	default:
		return false, false
	}
}

func containsFeatureName(raw, target string) bool {
	if raw == "" {
		return false
	}
	for _, item := range strings.Split(raw, ",") {
		if normalizeName(item) == target {
			return true
		}
	}
	return false
}
