package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/mail-ingest/internal/blob"
	"github.com/shineum/mail-ingest/internal/email"
)

// Status is the lifecycle state of a stored email.
type Status string

const (
	// StatusSaving marks a provisional row whose attachments are still being
	// written. Such rows are hidden from readers.
	StatusSaving Status = "SAVING"
	// StatusReceive is a delivered email owned by an account.
	StatusReceive Status = "RECEIVE"
	// StatusNoone is a delivered email that matched no account.
	StatusNoone Status = "NOONE"
)

// ErrNotProvisional is returned by CompleteReceive when the row does not
// exist or was already finalized.
var ErrNotProvisional = errors.New("email is not in SAVING state")

// Email is a row of the email table.
type Email struct {
	EmailID    int64     `db:"email_id"`
	SendEmail  string    `db:"send_email"`
	Name       string    `db:"name"`
	AccountID  int64     `db:"account_id"`
	UserID     int64     `db:"user_id"`
	Subject    string    `db:"subject"`
	Content    string    `db:"content"`
	Text       string    `db:"text"`
	Cc         string    `db:"cc"`
	Bcc        string    `db:"bcc"`
	Recipient  string    `db:"recipient"`
	ToEmail    string    `db:"to_email"`
	ToName     string    `db:"to_name"`
	InReplyTo  string    `db:"in_reply_to"`
	Relation   string    `db:"relation"`
	MessageID  string    `db:"message_id"`
	Status     Status    `db:"status"`
	IsDel      int       `db:"is_del"`
	CreateTime time.Time `db:"create_time"`
}

// FromMessage builds the row for msg addressed to toEmail.
func FromMessage(msg *email.Message, toEmail string) *Email {
	name := msg.From.Name
	if name == "" {
		name = email.LocalPart(msg.From.Address)
	}
	return &Email{
		SendEmail: msg.From.Address,
		Name:      name,
		Subject:   msg.Subject,
		Content:   msg.HtmlBody,
		Text:      msg.TextBody,
		Cc:        addressJSON(msg.Cc),
		Bcc:       addressJSON(msg.Bcc),
		Recipient: addressJSON(msg.To),
		ToEmail:   toEmail,
		ToName:    email.FindName(msg.To, toEmail),
		InReplyTo: msg.InReplyTo,
		Relation:  msg.References,
		MessageID: msg.MessageID,
	}
}

func addressJSON(list []email.Address) string {
	type jsonAddress struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	}
	out := make([]jsonAddress, 0, len(list))
	for _, a := range list {
		out = append(out, jsonAddress{Address: a.Address, Name: a.Name})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// EmailStore persists received emails.
type EmailStore struct {
	db    *sqlx.DB
	blobs blob.Store
	now   func() time.Time
}

// NewEmailStore creates an EmailStore. blobs may be nil when object storage
// is not configured; inline parts are then stored in the row only.
func NewEmailStore(db *sqlx.DB, blobs blob.Store) *EmailStore {
	return &EmailStore{db: db, blobs: blobs, now: time.Now}
}

// Receive writes the provisional row for e. Inline parts are uploaded first
// and their cid: references in the HTML body are rewritten to point at
// r2Domain. The returned row carries the new email_id.
func (s *EmailStore) Receive(ctx context.Context, e *Email, inline []*email.Attachment, r2Domain string) (*Email, error) {
	row := *e
	row.Status = StatusSaving
	row.IsDel = 1
	row.CreateTime = s.now().UTC()

	if s.blobs != nil && len(inline) > 0 {
		for _, att := range inline {
			if err := s.blobs.Put(ctx, att.Key, att.Content, att.ContentType); err != nil {
				return nil, fmt.Errorf("failed to upload inline part %s: %w", att.Filename, err)
			}
		}
		if r2Domain != "" {
			row.Content = rewriteCID(row.Content, inline, r2Domain)
		}
	}

	q := s.db.Rebind(`INSERT INTO email (
		send_email, name, account_id, user_id, subject, content, text,
		cc, bcc, recipient, to_email, to_name, in_reply_to, relation,
		message_id, status, is_del, create_time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING email_id`)
	err := s.db.QueryRowxContext(ctx, q,
		row.SendEmail, row.Name, row.AccountID, row.UserID, row.Subject, row.Content, row.Text,
		row.Cc, row.Bcc, row.Recipient, row.ToEmail, row.ToName, row.InReplyTo, row.Relation,
		row.MessageID, string(row.Status), row.IsDel, row.CreateTime,
	).Scan(&row.EmailID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert email: %w", err)
	}
	return &row, nil
}

// CompleteReceive finalizes a provisional row with status and makes it
// visible.
func (s *EmailStore) CompleteReceive(ctx context.Context, status Status, emailID int64) (*Email, error) {
	if status != StatusReceive && status != StatusNoone {
		return nil, fmt.Errorf("invalid final status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE email SET status = ?, is_del = 0 WHERE email_id = ? AND status = ?`),
		string(status), emailID, string(StatusSaving))
	if err != nil {
		return nil, fmt.Errorf("failed to finalize email %d: %w", emailID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to finalize email %d: %w", emailID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("email %d: %w", emailID, ErrNotProvisional)
	}
	return s.Select(ctx, emailID)
}

// Select returns the row with the given id.
func (s *EmailStore) Select(ctx context.Context, emailID int64) (*Email, error) {
	var row Email
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM email WHERE email_id = ?`), emailID); err != nil {
		return nil, fmt.Errorf("failed to query email %d: %w", emailID, err)
	}
	return &row, nil
}

func rewriteCID(html string, inline []*email.Attachment, domain string) string {
	if html == "" {
		return html
	}
	pairs := make([]string, 0, len(inline)*2)
	for _, att := range inline {
		if att.ContentID == "" || att.Key == "" {
			continue
		}
		pairs = append(pairs, "cid:"+att.ContentID, domain+"/"+att.Key)
	}
	if len(pairs) == 0 {
		return html
	}
	return strings.NewReplacer(pairs...).Replace(html)
}
