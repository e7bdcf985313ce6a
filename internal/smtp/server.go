package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mail-ingest/internal/forward"
	"github.com/shineum/mail-ingest/internal/pipeline"
)

// shutdownTimeout is the maximum time to wait for in-flight deliveries
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Defaults applied by New.
const (
	DefaultMaxMessageBytes = 25 << 20
	DefaultMaxRecipients   = 50
	DefaultTimeout         = 60 * time.Second
)

// Handler processes one delivery per accepted recipient.
type Handler interface {
	Handle(ctx context.Context, d *pipeline.Delivery) pipeline.Outcome
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	Handler Handler

	// Forwarder backs the forward primitive of every delivery. May be nil.
	Forwarder forward.Forwarder

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// AllowInsecureAuth offers AUTH on connections without TLS.
	AllowInsecureAuth bool

	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Server accepts SMTP connections and runs the pipeline for each message.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	srv    *gosmtp.Server

	// ctx is the base context of deliveries. It outlives the serve context
	// so that shutdown lets in-flight deliveries finish.
	ctx context.Context
	// mu guards closing. Deliveries register in wg under mu, so none
	// starts once shutdown is waiting.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultTimeout
	}

	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		ctx:    context.Background(),
	}

	srv := gosmtp.NewServer(&backend{server: s})
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.TLSConfig = cfg.TLSConfig
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	s.srv = srv

	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until ctx is cancelled.
// On cancellation it stops accepting new connections and waits up to 30
// seconds for in-flight deliveries to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctx = context.WithoutCancel(ctx)

	forwarder := "none"
	if s.config.Forwarder != nil {
		forwarder = s.config.Forwarder.Name()
	}
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"forwarder", forwarder,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")
	ln.Close()
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.waitForDeliveries()
	s.srv.Close()
	<-errCh
	return nil
}

// beginDelivery registers an in-flight delivery. It reports false once
// shutdown has started; the caller must then refuse the message.
func (s *Server) beginDelivery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// waitForDeliveries waits for in-flight deliveries to complete, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForDeliveries() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all deliveries completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}
