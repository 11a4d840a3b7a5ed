package mlflowexporter

import (
	"strings"
)

// SanitizeMetricName converts an MLflow metric key into a valid Prometheus
// metric name, optionally prefixed with prefix and an underscore.
// Returns "" when nothing usable is left.
func SanitizeMetricName(prefix, key string) string {
	name := key
	if prefix != "" {
		name = prefix + "_" + key
	}
	var b strings.Builder
	b.Grow(len(name) + 1)
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return ""
	}
	return out
}
