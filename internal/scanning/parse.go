package scanning

import (
	"strings"
)

// cleanModelText strips the wrapping that vision models add around an
// answer: markdown code fences, "Digits:" style prefixes and quotes
func cleanModelText(text string) string {
	text = strings.TrimSpace(text)

	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if idx := strings.Index(text, ":"); idx != -1 && idx < 20 {
		prefix := strings.ToLower(text[:idx])
		if strings.Contains(prefix, "digit") || strings.Contains(prefix, "number") || strings.Contains(prefix, "code") {
			text = text[idx+1:]
		}
	}

	text = strings.Trim(text, " \t\"'`")

	if strings.EqualFold(text, "none") || strings.EqualFold(text, "null") {
		return ""
	}
	return text
}
