package media

import "strings"

// SanitizeFileName turns a video title into a file-system safe base name.
// Characters that are illegal in paths on any supported platform are replaced
// with underscores. A blank result falls back to the provided name.
func SanitizeFileName(title, fallback string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, title)

	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return fallback
	}

	return cleaned
}

// TitleLooksLikeURL reports whether a parsed title is actually a raw URL,
// which indicates a parser anomaly upstream. Callers should substitute a
// synthetic name instead of using it.
func TitleLooksLikeURL(title string) bool {
	lower := strings.ToLower(title)

	return strings.Contains(lower, "http") || strings.Contains(lower, "youtube.com")
}
