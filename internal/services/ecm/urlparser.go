package ecm

import (
	"regexp"
	"strings"
)

var (
	urlPattern = regexp.MustCompile(`https?://\S+`)
	// Word-boundaried document-extension tokens, case-insensitive
	docExtPattern = regexp.MustCompile(`(?i)\.(docx?|hwp|pdf)\b`)
)

// ExtractURL selects the canonical document URL from multi-line copied text.
// Rules apply in order, first match wins:
//  1. the first URL on a line containing the test-report name;
//  2. the first URL on a line containing a document-extension token;
//  3. none.
func ExtractURL(text string) (string, bool) {
	lines := strings.Split(text, "\n")

	for _, line := range lines {
		if !strings.Contains(line, reportNameToken) {
			continue
		}
		if url := urlPattern.FindString(line); url != "" {
			return url, true
		}
	}

	for _, line := range lines {
		if !docExtPattern.MatchString(line) {
			continue
		}
		if url := urlPattern.FindString(line); url != "" {
			return url, true
		}
	}

	return "", false
}
