package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxMessageLength is the Bot API limit for one text message, in characters.
const MaxMessageLength = 4096

// TimeLayout is the layout of the notification timestamp.
const TimeLayout = "2006-01-02 15:04"

const ellipsis = "…"

// Notice is the content of one received-mail notification.
type Notice struct {
	Subject    string
	SenderName string
	SenderAddr string
	Recipient  string
	Received   time.Time
	Text       string
	HTML       string
}

// Format renders n for parse_mode=HTML. Every dynamic field is escaped, the
// body prefers the text part over the html part stripped to text, and the
// result never exceeds MaxMessageLength.
func Format(n Notice, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(n.Subject))
	fmt.Fprintf(&b, "<b>From:</b> %s\t&lt;%s&gt;\n", html.EscapeString(n.SenderName), html.EscapeString(n.SenderAddr))
	fmt.Fprintf(&b, "<b>To:</b> %s\n", html.EscapeString(n.Recipient))
	fmt.Fprintf(&b, "<b>Time:</b> %s\n\n", n.Received.In(loc).Format(TimeLayout))
	head := b.String()

	text := n.Text
	if strings.TrimSpace(text) == "" {
		text = HTMLToText(n.HTML)
	}
	body := html.EscapeString(strings.TrimSpace(text))

	budget := MaxMessageLength - utf8.RuneCountInString(head) - 1
	return head + truncate(body, budget) + "\n"
}

// truncate shortens an escaped string to at most limit runes, never cutting
// an entity in half.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	keep := limit - utf8.RuneCountInString(ellipsis)
	cut, n := 0, 0
	for i := range s {
		if n == keep {
			cut = i
			break
		}
		n++
	}
	out := s[:cut]
	if amp := strings.LastIndexByte(out, '&'); amp >= 0 && !strings.Contains(out[amp:], ";") {
		out = out[:amp]
	}
	return out + ellipsis
}

var (
	textPolicy = bluemonday.StrictPolicy()

	blockEnd   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6]|blockquote|pre|table)>`)
	spaceRun   = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText strips markup from an html body, keeping line structure.
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}
	s = blockEnd.ReplaceAllString(s, "$0\n")
	s = html.UnescapeString(textPolicy.Sanitize(s))

	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
