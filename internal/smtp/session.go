package smtp

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"maps"
	"net/textproto"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mail-ingest/internal/address"
	"github.com/shineum/mail-ingest/internal/forward"
	"github.com/shineum/mail-ingest/internal/pipeline"
)

var errUnknownMechanism = &gosmtp.SMTPError{
	Code:         504,
	EnhancedCode: gosmtp.EnhancedCode{5, 7, 4},
	Message:      "Unsupported authentication mechanism",
}

var errShuttingDown = &gosmtp.SMTPError{
	Code:         421,
	EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
	Message:      "Server is shutting down, try again later",
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{
		server: b.server,
		remote: c.Conn().RemoteAddr().String(),
	}, nil
}

// session is one SMTP connection. go-smtp drives it from a single
// goroutine, so it needs no locking.
type session struct {
	server *Server
	remote string
	user   string

	// Current transaction
	mailFrom string
	rcptTo   []string
}

func (s *session) AuthMechanisms() []string {
	if !s.server.auth.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.server.auth.Enabled() {
		return nil, errUnknownMechanism
	}
	return s.server.auth.PlainServer(func(username string) {
		s.user = username
	}), nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.server.auth.Enabled() && s.user == "" {
		return gosmtp.ErrAuthRequired
	}
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data reads the whole message and runs the pipeline once per recipient.
// The reply is 250 whatever the pipeline outcome: a delivery is handled at
// most once and never redelivered.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		slog.Error("error reading DATA", "remote", s.remote, "error", err)
		return err
	}

	header, err := readHeader(raw)
	if err != nil {
		slog.Warn("malformed message header", "remote", s.remote, "error", err)
	}

	fwd := forward.Bind(s.server.config.Forwarder, &forward.Mail{Sender: s.mailFrom, Raw: raw})

	if !s.server.beginDelivery() {
		return errShuttingDown
	}
	defer s.server.wg.Done()

	slog.Info("message accepted",
		"remote", s.remote,
		"from", s.mailFrom,
		"recipients", len(s.rcptTo),
		"size", len(raw),
	)
	for _, rcpt := range s.rcptTo {
		s.server.config.Handler.Handle(s.server.ctx, &pipeline.Delivery{
			EnvelopeFrom: s.mailFrom,
			EnvelopeTo:   rcpt,
			Header:       recipientHeader(header, rcpt),
			Raw:          raw,
			Forward:      fwd,
		})
	}
	return nil
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *session) Logout() error {
	return nil
}

// recipientHeader returns the header seen by the delivery to rcpt. When no
// upstream hop recorded the original recipient, a copy stamped with
// Delivered-To: rcpt is returned, so Cc and Bcc copies resolve to their own
// mailbox instead of the To header.
func recipientHeader(header textproto.MIMEHeader, rcpt string) textproto.MIMEHeader {
	for _, key := range address.ForwardingHeaders {
		if address.Extract(header.Get(key)) != "" {
			return header
		}
	}
	h := maps.Clone(header)
	if h == nil {
		h = textproto.MIMEHeader{}
	}
	h.Set("Delivered-To", rcpt)
	return h
}

// readHeader parses the top-level header block. On error the fields read so
// far are returned.
func readHeader(raw []byte) (textproto.MIMEHeader, error) {
	header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw))).ReadMIMEHeader()
	if err == io.EOF && len(header) > 0 {
		err = nil
	}
	if header == nil {
		header = textproto.MIMEHeader{}
	}
	return header, err
}
