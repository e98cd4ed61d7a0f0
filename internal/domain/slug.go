package domain

import "strings"

// Slugify lowers an identifier into the character set used for unique
// ids and external statistic ids.
func Slugify(identifier string) string {
	var b strings.Builder
	b.Grow(len(identifier))
	lastUnderscore := false
	for _, ch := range strings.ToLower(identifier) {
		isAlnum := (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9')
		if isAlnum {
			b.WriteRune(ch)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
