// Package relay implements a Forwarder that submits raw messages to an
// upstream SMTP server.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mail-ingest/internal/forward"
)

// TLS modes.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config describes the upstream submission server.
type Config struct {
	// Addr is host:port of the upstream server.
	Addr     string
	Username string
	Password string
	// From overrides the envelope sender. Empty keeps the original one.
	From string
	// TLS is one of none, starttls (default) or tls.
	TLS                string
	InsecureSkipVerify bool
	Timeout            time.Duration
	// LocalName is sent in EHLO.
	LocalName string
}

// Forwarder submits messages over SMTP.
type Forwarder struct {
	cfg Config
}

// New validates cfg and creates a Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", cfg.Addr, err)
	}
	switch cfg.TLS {
	case "":
		cfg.TLS = TLSStartTLS
	case TLSNone, TLSStartTLS, TLSImplicit:
	default:
		return nil, fmt.Errorf("invalid relay tls mode %q", cfg.TLS)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	return &Forwarder{cfg: cfg}, nil
}

// Name returns the backend name.
func (f *Forwarder) Name() string {
	return "relay"
}

// Forward submits the raw message to to.
func (f *Forwarder) Forward(ctx context.Context, m *forward.Mail, to string) error {
	from := f.cfg.From
	if from == "" {
		from = m.Sender
	}

	c, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// Unblocks any pending command when ctx ends.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	// A STARTTLS client has already greeted the server.
	if f.cfg.TLS != TLSStartTLS {
		if err := c.Hello(f.cfg.LocalName); err != nil {
			return fmt.Errorf("EHLO: %w", err)
		}
	}

	if f.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", f.cfg.Username, f.cfg.Password)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(m.Raw); err != nil {
		w.Close()
		return fmt.Errorf("DATA: %w", err)
	}
	if !bytes.HasSuffix(m.Raw, []byte("\n")) {
		if _, err := w.Write([]byte("\r\n")); err != nil {
			w.Close()
			return fmt.Errorf("DATA: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}

	return c.Quit()
}

func (f *Forwarder) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: f.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if f.cfg.TLS == TLSImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: f.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", f.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", f.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", f.cfg.Addr, err)
	}

	if f.cfg.TLS != TLSStartTLS {
		c := smtp.NewClient(conn)
		c.CommandTimeout = f.cfg.Timeout
		c.SubmissionTimeout = f.cfg.Timeout
		return c, nil
	}

	// NewClientStartTLS greets and upgrades before returning, so bound the
	// handshake with a deadline on the raw connection.
	conn.SetDeadline(time.Now().Add(f.cfg.Timeout))
	c, err := smtp.NewClientStartTLS(conn, f.tlsConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("STARTTLS with %s: %w", f.cfg.Addr, err)
	}
	conn.SetDeadline(time.Time{})
	c.CommandTimeout = f.cfg.Timeout
	c.SubmissionTimeout = f.cfg.Timeout
	return c, nil
}

func (f *Forwarder) tlsConfig() *tls.Config {
	host, _, _ := net.SplitHostPort(f.cfg.Addr)
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: f.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
