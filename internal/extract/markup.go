package extract

import (
	"regexp"
	"strings"
)

var (
	inlineCodeRe = regexp.MustCompile("`+([^`]*)`+")
	imageRe      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	emphasisRe   = regexp.MustCompile(`(\*\*|__|~~|\*|_)`)
	headingRe    = regexp.MustCompile(`^#{1,6}\s+`)
	listMarkerRe = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)
	quoteRe      = regexp.MustCompile(`^\s*>+\s?`)
	hruleRe      = regexp.MustCompile(`^\s*([-*_]\s*){3,}$`)
)

// StripMarkup removes flavored-markup syntax from a card's raw source while
// keeping the human-readable text: fenced and inline code is dropped, heading
// and emphasis markers are removed with their text kept, links and images
// collapse to their link text, horizontal rules and list/quote markers are
// removed, and blank-line runs collapse.
func StripMarkup(raw string) string {
	if raw == "" {
		return ""
	}

	var out []string
	inFence := false
	blank := false
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if hruleRe.MatchString(trimmed) && trimmed != "" {
			continue
		}

		line = headingRe.ReplaceAllString(trimmed, "")
		line = quoteRe.ReplaceAllString(line, "")
		line = listMarkerRe.ReplaceAllString(line, "")
		line = inlineCodeRe.ReplaceAllString(line, "")
		line = imageRe.ReplaceAllString(line, "$1")
		line = linkRe.ReplaceAllString(line, "$1")
		line = emphasisRe.ReplaceAllString(line, "")
		line = strings.Join(strings.Fields(line), " ")

		if line == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}
