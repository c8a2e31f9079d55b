package outbox

import (
	"regexp"
	"strings"
)

const (
	maxErrorLength       = 512
	errorTruncatedSuffix = "... (truncated)"
	redacted             = "[REDACTED]"
)

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redacted},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redacted},
}

var panPattern = regexp.MustCompile(`\b\d{12,19}\b`)

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts credentials, tokens, e-mail addresses and
// card-like numbers from msg and caps it at 512 runes.
func SanitizeErrorMessage(msg string) string {
	out := strings.TrimSpace(msg)

	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	out = panPattern.ReplaceAllStringFunc(out, func(candidate string) string {
		if luhnValid(candidate) {
			return redacted
		}

		return candidate
	})

	return truncate(out, maxErrorLength)
}

func luhnValid(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}

		sum += d
		double = !double
	}

	return sum%10 == 0
}

func truncate(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	return string(runes[:maxRunes-len([]rune(errorTruncatedSuffix))]) + errorTruncatedSuffix
}
