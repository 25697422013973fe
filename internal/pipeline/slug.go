package pipeline

import "strings"

// Slug turns a job name into a single path component: letters, digits,
// '.', '_' and '-' are kept, every other rune becomes '_'.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "job"
	}
	return s
}
