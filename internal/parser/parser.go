// Package parser decodes raw RFC 5322 messages into email.Message values.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/mail-ingest/internal/email"
)

// Parse decodes a raw message, including multipart bodies, attachments and
// inline parts. Structural problems that enmime recovers from are logged as
// warnings; only unreadable input is returned as an error.
func Parse(raw []byte) (*email.Message, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty message")
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	for _, perr := range env.Errors {
		slog.Warn("recoverable MIME problem", "error", perr.Error())
	}

	msg := &email.Message{
		Subject:    env.GetHeader("Subject"),
		TextBody:   env.Text,
		HtmlBody:   env.HTML,
		MessageID:  strings.TrimSpace(env.GetHeader("Message-Id")),
		InReplyTo:  strings.TrimSpace(env.GetHeader("In-Reply-To")),
		References: strings.TrimSpace(env.GetHeader("References")),
		To:         addressList(env, "To"),
		Cc:         addressList(env, "Cc"),
		Bcc:        addressList(env, "Bcc"),
	}

	if from := addressList(env, "From"); len(from) > 0 {
		msg.From = from[0]
	} else {
		msg.From = email.Address{Address: strings.TrimSpace(env.GetHeader("From"))}
	}

	for _, group := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, part := range group {
			if att := toAttachment(part); att != nil {
				msg.Attachments = append(msg.Attachments, att)
			}
		}
	}

	return msg, nil
}

// toAttachment converts a non-body MIME part. Parts without content are
// dropped.
func toAttachment(part *enmime.Part) *email.Attachment {
	if part == nil || len(part.Content) == 0 {
		return nil
	}
	return &email.Attachment{
		Filename:    part.FileName,
		ContentType: part.ContentType,
		ContentID:   strings.Trim(strings.TrimSpace(part.ContentID), "<>"),
		Content:     part.Content,
	}
}

// addressList parses the named address header. A header that is missing
// yields nil; one that fails RFC 5322 parsing falls back to a plain
// comma split so that no recipient is silently lost.
func addressList(env *enmime.Envelope, key string) []email.Address {
	list, err := env.AddressList(key)
	if err != nil {
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			return nil
		}
		raw := env.GetHeader(key)
		if raw == "" {
			return nil
		}
		var out []email.Address
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, email.Address{Address: p})
			}
		}
		return out
	}

	out := make([]email.Address, 0, len(list))
	for _, a := range list {
		out = append(out, email.Address{Address: a.Address, Name: a.Name})
	}
	return out
}
