// Package stdout implements a Forwarder that prints forwarded messages,
// intended for development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mail-ingest/internal/email"
	"github.com/shineum/mail-ingest/internal/forward"
	"github.com/shineum/mail-ingest/internal/parser"
)

const separator = "========================================\n"

// Forwarder prints a summary of every forwarded message.
type Forwarder struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Forwarder that writes to os.Stdout.
func New() *Forwarder {
	return &Forwarder{writer: os.Stdout}
}

// NewWithWriter creates a Forwarder that writes to w.
func NewWithWriter(w io.Writer) *Forwarder {
	return &Forwarder{writer: w}
}

// Forward prints the message. Forwards to several addresses run
// concurrently, so output is serialized per message. Unparsable messages
// are printed by size only.
func (f *Forwarder) Forward(_ context.Context, m *forward.Mail, to string) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Forward-To: %s\n", to)
	fmt.Fprintf(&b, "Envelope-From: %s\n", m.Sender)

	msg, err := parser.Parse(m.Raw)
	if err != nil {
		fmt.Fprintf(&b, "Raw: %s (unparsable: %v)\n", formatSize(len(m.Raw)), err)
	} else {
		writeSummary(&b, msg)
	}

	b.WriteString(separator)

	f.mu.Lock()
	defer f.mu.Unlock()
	// A failed write to the console is not a delivery failure.
	_, _ = io.WriteString(f.writer, b.String())
	return nil
}

func writeSummary(b *strings.Builder, msg *email.Message) {
	fmt.Fprintf(b, "From: %s\n", formatAddress(msg.From))
	fmt.Fprintf(b, "To: %s\n", formatList(msg.To))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(b, "Cc: %s\n", formatList(msg.Cc))
	}
	fmt.Fprintf(b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	if len(msg.Attachments) > 0 {
		atts := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			atts = append(atts, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(b, "Attachments: %s\n", strings.Join(atts, ", "))
	}
}

// Name returns the backend name.
func (f *Forwarder) Name() string {
	return "stdout"
}

func formatAddress(a email.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

func formatList(list []email.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a))
	}
	return strings.Join(out, ", ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
