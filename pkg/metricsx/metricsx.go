// Package metricsx extends github.com/VictoriaMetrics/metrics with helpers
// for building metric names that carry dynamic Prometheus-style labels.
package metricsx

import "strings"

// FormatName builds a VictoriaMetrics/metrics name string for base with the
// given label key/value pairs appended (e.g., FormatName("ncpd_host_alive",
// "host", "12") returns `ncpd_host_alive{host="12"}`). Any label already
// present in base's own {...} suffix, if it has one, is kept ahead of kv.
func FormatName(base string, kv ...string) string {
	b, arg := splitName(base)
	return formatName(b, arg, kv...)
}

func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

func formatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
