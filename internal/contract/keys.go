package contract

import (
	"strings"
	"unicode"
)

// MaxKeyLength bounds normalized contract keys.
const MaxKeyLength = 50

// NormalizeKey turns a free-text data item ("API design", "User-Stories")
// into a canonical lookup key ("api_design", "user_stories").
func NormalizeKey(item string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(item) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pendingSep = false
			sb.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			pendingSep = true
		}
	}
	key := sb.String()
	if len(key) > MaxKeyLength {
		key = strings.TrimRight(key[:MaxKeyLength], "_")
	}
	return key
}

// KeyVariants returns the spellings a producer might have used for key:
// snake_case, kebab-case, concatenated, camelCase, then any extra raw forms.
// Duplicates are removed, order is preserved.
func KeyVariants(key string, raw ...string) []string {
	parts := strings.Split(key, "_")
	camel := parts[0]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		camel += strings.ToUpper(p[:1]) + p[1:]
	}

	candidates := append([]string{
		key,
		strings.Join(parts, "-"),
		strings.Join(parts, ""),
		camel,
	}, raw...)

	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Lookup finds the first variant of key present in data with a non-nil value.
func Lookup(data map[string]any, key string, raw ...string) (string, any, bool) {
	for _, v := range KeyVariants(key, raw...) {
		if val, ok := data[v]; ok && val != nil {
			return v, val, true
		}
	}
	return "", nil, false
}
