// Package pipeline runs one inbound delivery through recipient resolution,
// account matching, moderation, two-phase persistence and notification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/textproto"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-ingest/internal/address"
	"github.com/shineum/mail-ingest/internal/attachment"
	"github.com/shineum/mail-ingest/internal/email"
	"github.com/shineum/mail-ingest/internal/forward"
	"github.com/shineum/mail-ingest/internal/moderation"
	"github.com/shineum/mail-ingest/internal/notify"
	"github.com/shineum/mail-ingest/internal/notify/telegram"
	"github.com/shineum/mail-ingest/internal/parser"
	"github.com/shineum/mail-ingest/internal/settings"
	"github.com/shineum/mail-ingest/internal/store"
)

// Delivery is one message as handed over by the host runtime, for a single
// envelope recipient.
type Delivery struct {
	EnvelopeFrom string
	EnvelopeTo   string
	// Header holds the top-level message headers.
	Header textproto.MIMEHeader
	Raw    []byte
	// Forward re-sends the original message to another address. Nil when
	// the host has no forward primitive.
	Forward forward.Func
}

// AccountFinder looks up the account behind a canonical address, including
// soft-deleted ones. A nil account with a nil error means no match.
type AccountFinder interface {
	SelectByEmailIncludeDel(ctx context.Context, addr string) (*store.Account, error)
}

// RoleFinder returns the moderation permissions of a user.
type RoleFinder interface {
	SelectByUserID(ctx context.Context, userID int64) (moderation.Permissions, error)
}

// EmailWriter implements the two persistence phases.
type EmailWriter interface {
	Receive(ctx context.Context, e *store.Email, inline []*email.Attachment, r2Domain string) (*store.Email, error)
	CompleteReceive(ctx context.Context, status store.Status, emailID int64) (*store.Email, error)
}

// AttachmentWriter stores a batch of attachments.
type AttachmentWriter interface {
	AddAtt(ctx context.Context, atts []*email.Attachment) error
}

// ChatSender delivers one chat message.
type ChatSender interface {
	SendMessage(ctx context.Context, token, chatID, text string) error
}

// Config wires a Handler to its collaborators.
type Config struct {
	Settings    settings.Source
	Accounts    AccountFinder
	Roles       RoleFinder
	Emails      EmailWriter
	Attachments AttachmentWriter
	// Chat defaults to a Bot API client on the public endpoint.
	Chat ChatSender
	// Parse defaults to parser.Parse.
	Parse func(raw []byte) (*email.Message, error)

	// AdminEmail is the account whose mail bypasses moderation.
	AdminEmail string
	// StorageConfigured enables the attachment batch.
	StorageConfigured bool
	// Location renders chat timestamps. Defaults to UTC.
	Location *time.Location
	// FanoutLimit bounds concurrent destinations per channel; 0 is unbounded.
	FanoutLimit int

	Logger *slog.Logger
}

// Handler processes deliveries. It is safe for concurrent use; each call
// to Handle works on its own settings snapshot.
type Handler struct {
	cfg Config
	log *slog.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Chat == nil {
		cfg.Chat = telegram.New("", nil)
	}
	if cfg.Parse == nil {
		cfg.Parse = parser.Parse
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, log: log}
}

// Handle processes d and reports how it ended. It never panics and never
// returns an error: failures are logged and reported as OutcomeFailed, and the
// delivery counts as handled either way.
func (h *Handler) Handle(ctx context.Context, d *Delivery) (outcome Outcome) {
	log := h.log.With("invocation", uuid.NewString(), "envelope_to", d.EnvelopeTo)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling inbound email", "panic", r, "stack", string(debug.Stack()))
			outcome = OutcomeFailed
		}
		outcomesTotal.WithLabelValues(string(outcome)).Inc()
	}()

	var err error
	outcome, err = h.run(ctx, log, d)
	if err != nil {
		log.Error("failed to handle inbound email", "error", err)
		return OutcomeFailed
	}
	log.Info("inbound email handled", "outcome", string(outcome))
	return outcome
}

func (h *Handler) run(ctx context.Context, log *slog.Logger, d *Delivery) (Outcome, error) {
	set, err := settings.Load(ctx, h.cfg.Settings)
	if err != nil {
		return OutcomeFailed, err
	}
	if set.Receive == settings.Close {
		return OutcomeDisabled, nil
	}

	to := address.Resolve(d.Header, d.Header.Get("To"))
	if to == "" {
		to = d.EnvelopeTo
	}
	log = log.With("recipient", to)

	msg, err := h.cfg.Parse(d.Raw)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.From.Address == "" {
		msg.From.Address = d.EnvelopeFrom
	}

	account, err := h.cfg.Accounts.SelectByEmailIncludeDel(ctx, to)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to match account: %w", err)
	}
	if account == nil && set.NoRecipient == settings.Close {
		return OutcomeNoRecipient, nil
	}

	if account != nil && !h.isAdmin(account) {
		perms, err := h.cfg.Roles.SelectByUserID(ctx, account.UserID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("failed to load permissions of user %d: %w", account.UserID, err)
		}
		decision := moderation.Moderate(msg.From.Address, to, perms)
		switch decision.Action {
		case moderation.Block:
			if decision.Reason == moderation.ReasonDomainDenied {
				return OutcomeDomainDenied, nil
			}
			log.Info("sender banned", "sender", msg.From.Address, "rule", decision.Rule.Value)
			return OutcomeBlocked, nil
		case moderation.Redact:
			log.Info("content redacted", "sender", msg.From.Address, "rule", decision.Rule.Value)
			moderation.RedactMessage(msg)
		}
	}

	row, err := h.persist(ctx, msg, to, account, set)
	if err != nil {
		return OutcomeFailed, err
	}
	log.Debug("email stored", "email_id", row.EmailID, "status", string(row.Status))

	if !Allows(to, set) {
		return OutcomeFiltered, nil
	}

	if set.BotEnabled() {
		h.notifyChat(ctx, log, set, row, to)
	}
	if set.ForwardEnabled() {
		h.forward(ctx, log, set, d)
	}
	return OutcomeDelivered, nil
}

func (h *Handler) isAdmin(a *store.Account) bool {
	return h.cfg.AdminEmail != "" && strings.EqualFold(a.Email, h.cfg.AdminEmail)
}

// persist writes the provisional row, the attachment batch and the final
// status, strictly in that order.
func (h *Handler) persist(ctx context.Context, msg *email.Message, to string, account *store.Account, set settings.Settings) (*store.Email, error) {
	row := store.FromMessage(msg, to)
	status := store.StatusNoone
	if account != nil {
		row.UserID, row.AccountID = account.UserID, account.AccountID
		status = store.StatusReceive
	}

	all, inline := attachment.Process(msg.Attachments)

	saved, err := h.cfg.Emails.Receive(ctx, row, inline, set.R2Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to store email: %w", err)
	}

	attachment.Stamp(all, saved.EmailID, saved.UserID, saved.AccountID)
	if len(all) > 0 && h.cfg.StorageConfigured {
		if err := h.cfg.Attachments.AddAtt(ctx, all); err != nil {
			return nil, fmt.Errorf("failed to store attachments of email %d: %w", saved.EmailID, err)
		}
	}

	final, err := h.cfg.Emails.CompleteReceive(ctx, status, saved.EmailID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize email %d: %w", saved.EmailID, err)
	}
	return final, nil
}

const (
	channelChat    = "telegram"
	channelForward = "forward"
)

func (h *Handler) notifyChat(ctx context.Context, log *slog.Logger, set settings.Settings, row *store.Email, to string) {
	text := telegram.Format(telegram.Notice{
		Subject:    row.Subject,
		SenderName: row.Name,
		SenderAddr: row.SendEmail,
		Recipient:  to,
		Received:   row.CreateTime,
		Text:       row.Text,
		HTML:       row.Content,
	}, h.cfg.Location)

	results := notify.Each(ctx, set.TgChatIDs, h.cfg.FanoutLimit, func(ctx context.Context, chatID string) error {
		return h.cfg.Chat.SendMessage(ctx, set.TgBotToken, chatID, text)
	})
	report(log, channelChat, results, set.TgBotToken)
}

func (h *Handler) forward(ctx context.Context, log *slog.Logger, set settings.Settings, d *Delivery) {
	if d.Forward == nil {
		log.Warn("forwarding is enabled but no forward provider is configured")
		return
	}
	results := notify.Each(ctx, set.ForwardEmails, h.cfg.FanoutLimit, d.Forward)
	report(log, channelForward, results, "")
}

func report(log *slog.Logger, channel string, results []notify.Result, secret string) {
	for _, r := range results {
		if r.Err == nil {
			notifyResultsTotal.WithLabelValues(channel, "ok").Inc()
			continue
		}
		notifyResultsTotal.WithLabelValues(channel, "error").Inc()
		log.Error("notification failed",
			"channel", channel,
			"destination", r.Target,
			"error", telegram.MaskToken(r.Err.Error(), secret),
		)
	}
}
