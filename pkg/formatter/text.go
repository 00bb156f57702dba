package formatter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MaxLogLength bounds the size of messages forwarded to the MCP client log.
const MaxLogLength = 4000

// Printer renders counts and dates for a single locale.
type Printer struct {
	tag     language.Tag
	printer *message.Printer
}

// NewPrinter parses a BCP 47 locale such as "en", "ca-ES" or "fr".
func NewPrinter(locale string) (*Printer, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = "en"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("invalid locale '%s': %w", locale, err)
	}
	return &Printer{tag: tag, printer: message.NewPrinter(tag)}, nil
}

// DefaultPrinter is the English printer used when no locale is configured.
func DefaultPrinter() *Printer {
	return &Printer{tag: language.English, printer: message.NewPrinter(language.English)}
}

// Locale returns the canonical locale string.
func (p *Printer) Locale() string {
	return p.tag.String()
}

// Count renders n with locale digit grouping followed by noun.
func (p *Printer) Count(n int, noun string) string {
	return p.printer.Sprintf("%d %s", n, noun)
}

// Summary renders "<count> <noun> (<source>):" followed by the indented JSON payload.
func (p *Printer) Summary(n int, noun, source string, payload any) (string, error) {
	body, err := JSON(payload)
	if err != nil {
		return "", err
	}
	head := p.Count(n, noun)
	if source != "" {
		head += " (" + source + ")"
	}
	return head + ":\n\n" + body, nil
}

// DateTime renders t as a medium-length local date and time string.
func (p *Printer) DateTime(t time.Time) string {
	base, _ := p.tag.Base()
	switch base.String() {
	case "en":
		if region, _ := p.tag.Region(); region.String() == "US" {
			return t.Format("1/2/2006, 3:04:05 PM")
		}
		return t.Format("02/01/2006, 15:04:05")
	case "de", "ru", "pl", "fi", "nb", "da", "cs":
		return t.Format("2.1.2006, 15:04:05")
	case "ja", "zh", "ko", "hu":
		return t.Format("2006/1/2 15:04:05")
	case "sv", "lt":
		return t.Format("2006-01-02 15:04:05")
	case "nl":
		return t.Format("2-1-2006, 15:04:05")
	default:
		return t.Format("2/1/2006, 15:04:05")
	}
}

// JSON renders v as tab-indented JSON.
func JSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return "", fmt.Errorf("cannot encode result: %w", err)
	}
	return string(b), nil
}

// Truncate shortens s to at most max bytes, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "... (truncated)"
	if max <= len(marker) {
		return s[:runeCut(s, max)]
	}
	return s[:runeCut(s, max-len(marker))] + marker
}

// runeCut moves n back to the start of the rune it falls in.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
