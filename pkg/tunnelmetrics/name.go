package tunnelmetrics

import "strings"

// splitName extracts the bare metric name and its label body (if any) from
// a VictoriaMetrics-style name like `knx_tunnel_cleanup_total{reason="x"}`.
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

// formatName rebuilds a metric name from a base and a label body, appending
// one additional key/value label pair.
func formatName(base, arg, key, val string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
		b.WriteByte(',')
	}
	b.WriteString(key)
	b.WriteString("=\"")
	b.WriteString(val)
	b.WriteByte('"')
	b.WriteByte('}')
	return b.String()
}
