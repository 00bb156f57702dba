package formatter

import (
	"regexp"
	"strings"
)

var (
	breakTag      = regexp.MustCompile(`(?i)<\s*br\s*/?\s*>`)
	closingBlock  = regexp.MustCompile(`(?i)</(?:p|div|li|ul|ol|table|tr|td|th|h[1-6])\s*>`)
	anyTag        = regexp.MustCompile(`<[^>]*>`)
	blankLineRuns = regexp.MustCompile(`\r?\n{3,}`)

	// decoded in this order; &amp; before &lt; matters for double-escaped input
	basicEntities = []struct {
		pattern *regexp.Regexp
		value   string
	}{
		{regexp.MustCompile(`(?i)&nbsp;`), " "},
		{regexp.MustCompile(`(?i)&amp;`), "&"},
		{regexp.MustCompile(`(?i)&lt;`), "<"},
		{regexp.MustCompile(`(?i)&gt;`), ">"},
		{regexp.MustCompile(`(?i)&#39;`), "'"},
		{regexp.MustCompile(`(?i)&apos;`), "'"},
		{regexp.MustCompile(`(?i)&quot;`), `"`},
	}
)

// StripHTML turns Rally rich text into plain text. Line breaks and closing
// block tags become newlines, other tags are dropped, basic entities are
// decoded, runs of blank lines collapse to one and the result is trimmed.
//
// The pass is repeated until the text stops changing, so decoded entities that
// form new tags are removed too and StripHTML(StripHTML(s)) == StripHTML(s).
// Every pass that changes the text makes it shorter, which bounds the loop.
func StripHTML(s string) string {
	if s == "" {
		return s
	}
	for {
		next := stripOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func stripOnce(s string) string {
	s = breakTag.ReplaceAllString(s, "\n")
	s = closingBlock.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	for _, e := range basicEntities {
		s = e.pattern.ReplaceAllLiteralString(s, e.value)
	}
	s = blankLineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// IsTruthy reports whether an environment-style flag value is on.
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
