package shadow

import "strings"

const maxNameLength = 63

// SanitizeName maps an arbitrary string onto a valid DNS-1123 label:
// lowercase alphanumerics and single hyphens, starting and ending with
// an alphanumeric, at most 63 characters. Invalid runs collapse to one
// hyphen so distinct inputs stay distinguishable where possible.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	name := strings.Trim(b.String(), "-")
	if len(name) > maxNameLength {
		name = strings.Trim(name[:maxNameLength], "-")
	}
	if name == "" {
		name = "shadow"
	}
	return name
}
