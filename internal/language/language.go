package language

import (
	"strings"

	xlang "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Normalize converts any recognized language code (BCP-47, ISO 639-1/2,
// with or without region subtags) to its canonical base form, e.g.
// "en-US" -> "en", "jpn" -> "ja". Returns empty string for unrecognized input.
func Normalize(code string) string {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return ""
	}
	tag, err := xlang.Parse(trimmed)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == xlang.No {
		return ""
	}
	return base.String()
}

// IsValid reports whether the input parses as a language tag.
func IsValid(code string) bool {
	return Normalize(code) != ""
}

// DisplayName returns a human-readable English name for any recognized code.
// Returns "Unknown" for empty or unrecognized input.
func DisplayName(code string) string {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "Unknown"
	}
	tag, err := xlang.Parse(trimmed)
	if err != nil {
		return "Unknown"
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		return "Unknown"
	}
	return name
}

// Matches reports whether two codes refer to the same base language.
// Unrecognized codes never match.
func Matches(a, b string) bool {
	na := Normalize(a)
	if na == "" {
		return false
	}
	return na == Normalize(b)
}
