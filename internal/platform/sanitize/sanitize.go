// Package sanitize neutralizes untrusted text before it is stored or relayed.
//
// Every inbound string field passes through Text: control characters are
// stripped, angle brackets are escaped so relayed text cannot carry markup,
// and the result is truncated to a per-field rune budget.
package sanitize

import "strings"

// Text strips C0/DEL control characters, escapes '<' and '>', and truncates
// the result to maxRunes. A non-positive maxRunes disables truncation.
func Text(input string, maxRunes int) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case r < 0x20 || r == 0x7F:
			// dropped
		case r == '<':
			b.WriteString("&lt;")
		case r == '>':
			b.WriteString("&gt;")
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if maxRunes <= 0 {
		return out
	}
	runes := []rune(out)
	if len(runes) <= maxRunes {
		return out
	}
	return string(runes[:maxRunes])
}

// NonEmpty reports whether the sanitized text still carries visible content.
func NonEmpty(input string) bool {
	return strings.TrimSpace(input) != ""
}
