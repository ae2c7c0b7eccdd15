package limits

import "strings"

// aliases maps a caller-facing model name to its canonical registry key,
// grounded on the teacher's internal/models/aliases.go ("nano-banana" →
// the real Gemini image-preview model id).
var aliases = map[string]string{
	"gemini-pro":   "gemini-1.5-pro",
	"gemini-flash": "gemini-1.5-flash",
}

// ResolveAlias normalizes a caller-supplied model id: lowercased, trimmed,
// and expanded through the alias table. ok reports whether an alias was
// applied; callers should track the returned name either way.
func ResolveAlias(model string) (resolved string, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if target, found := aliases[normalized]; found {
		return target, true
	}
	return normalized, false
}
