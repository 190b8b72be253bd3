package mcp

import (
	"fmt"
	"strings"
	"time"
)

// kvPad is the key column width in kv output.
const kvPad = 20

// formatNumber renders an integer-valued number with comma separators.
// Fractional floats keep one decimal and no grouping.
func formatNumber(n any) string {
	switch v := n.(type) {
	case float64:
		if v != float64(int64(v)) {
			return fmt.Sprintf("%.1f", v)
		}
		return groupDigits(int64(v))
	case int64:
		return groupDigits(v)
	case uint64:
		return groupDigits(int64(v))
	case int:
		return groupDigits(int64(v))
	default:
		return fmt.Sprintf("%v", n)
	}
}

// groupDigits inserts a comma every three digits, counting from the right.
func groupDigits(n int64) string {
	s := fmt.Sprintf("%d", n)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}

	var groups []string
	for len(s) > 3 {
		groups = append([]string{s[len(s)-3:]}, groups...)
		s = s[:len(s)-3]
	}
	groups = append([]string{s}, groups...)
	return sign + strings.Join(groups, ",")
}

// formatSeconds renders a duration given in seconds in compact form,
// e.g. 3700 -> "1h1m40s".
func formatSeconds(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

// kv renders one aligned key/value line.
func kv(key string, value any) string {
	return fmt.Sprintf("%-*s %v", kvPad, key+":", value)
}

// section renders a markdown heading.
func section(title string) string {
	return "## " + title
}

// joinLines joins the non-empty lines with newlines.
func joinLines(lines ...string) string {
	kept := lines[:0]
	for _, l := range lines {
		if l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
