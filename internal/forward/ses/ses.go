// Package ses implements a Forwarder that re-sends raw messages via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mail-ingest/internal/forward"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Forwarder.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender is the verified identity forwarded mail is sent as.
	Sender string
}

// Forwarder sends raw messages via the AWS SES v2 API.
type Forwarder struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Forwarder with the given configuration.
func New(ctx context.Context, cfg Config) (*Forwarder, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Forwarder with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Forwarder {
	return &Forwarder{
		sender:     sender,
		client:     client,
		retryDelay: baseRetryDelay,
	}
}

// Forward re-sends the raw message to a single destination. When a sender
// identity is configured the From header is rewritten to it, since SES only
// accepts verified identities, and the original author moves to Reply-To.
func (f *Forwarder) Forward(ctx context.Context, m *forward.Mail, to string) error {
	raw := m.Raw
	if f.sender != "" {
		raw = rewriteFrom(raw, f.sender)
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if f.sender != "" {
		input.FromEmailAddress = aws.String(f.sender)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, f.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := f.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"to", to,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the backend name.
func (f *Forwarder) Name() string {
	return "ses"
}

// droppedHeaders are removed when the author is replaced. Signatures would no
// longer verify and Return-Path is set by the receiving MTA.
var droppedHeaders = map[string]bool{
	"from":           true,
	"sender":         true,
	"return-path":    true,
	"dkim-signature": true,
}

// rewriteFrom replaces the author of raw with sender. The original From value
// becomes Reply-To unless the message already carries one, and is kept in
// X-Original-From.
func rewriteFrom(raw []byte, sender string) []byte {
	header, body := splitHeader(raw)

	var (
		out        bytes.Buffer
		from       strings.Builder
		inFrom     bool
		dropping   bool
		hasReplyTo bool
	)
	for _, line := range strings.SplitAfter(header, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			switch {
			case inFrom:
				from.WriteString(" " + strings.TrimSpace(line))
			case dropping:
			default:
				out.WriteString(line)
			}
			continue
		}

		name, value, _ := strings.Cut(line, ":")
		key := strings.ToLower(strings.TrimSpace(name))
		hasReplyTo = hasReplyTo || key == "reply-to"
		dropping = droppedHeaders[key]
		inFrom = key == "from"
		if inFrom {
			from.WriteString(strings.TrimSpace(value))
		}
		if !dropping {
			out.WriteString(line)
		}
	}

	var res bytes.Buffer
	fmt.Fprintf(&res, "From: %s\r\n", sender)
	if orig := from.String(); orig != "" {
		if !hasReplyTo {
			fmt.Fprintf(&res, "Reply-To: %s\r\n", orig)
		}
		fmt.Fprintf(&res, "X-Original-From: %s\r\n", orig)
	}
	res.Write(out.Bytes())
	res.WriteString("\r\n")
	res.Write(body)
	return res.Bytes()
}

// splitHeader separates the header block from the body. The blank line
// between them belongs to neither.
func splitHeader(raw []byte) (string, []byte) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return string(raw[:i+len(sep)/2]), raw[i+len(sep):]
		}
	}
	return string(raw), nil
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (f *Forwarder) backoffDelay(attempt int) time.Duration {
	delay := f.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
