package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/mail-ingest/internal/blob"
	"github.com/shineum/mail-ingest/internal/email"
)

// Attachment row types.
const (
	TypeAttachment = "attachment"
	TypeEmbed      = "embed"
)

// AttachmentStore persists attachment metadata and content.
type AttachmentStore struct {
	db    *sqlx.DB
	blobs blob.Store
	now   func() time.Time
}

// NewAttachmentStore creates an AttachmentStore.
func NewAttachmentStore(db *sqlx.DB, blobs blob.Store) *AttachmentStore {
	return &AttachmentStore{db: db, blobs: blobs, now: time.Now}
}

// AddAtt uploads every attachment and then records all rows in one
// transaction. Any failure fails the whole batch.
func (s *AttachmentStore) AddAtt(ctx context.Context, atts []*email.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	if s.blobs == nil {
		return blob.ErrNotConfigured
	}

	for _, att := range atts {
		if err := s.blobs.Put(ctx, att.Key, att.Content, att.ContentType); err != nil {
			return fmt.Errorf("failed to upload attachment %s: %w", att.Filename, err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q := tx.Rebind(`INSERT INTO attachment (
		email_id, user_id, account_id, key, filename, mime_type, size, content_id, type, create_time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	now := s.now().UTC()
	for _, att := range atts {
		typ := TypeAttachment
		if att.Inline() {
			typ = TypeEmbed
		}
		if _, err := tx.ExecContext(ctx, q,
			att.EmailID, att.UserID, att.AccountID, att.Key, att.Filename,
			att.ContentType, att.Size, att.ContentID, typ, now,
		); err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", att.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attachments: %w", err)
	}
	return nil
}

// AttachmentRow is a row of the attachment table.
type AttachmentRow struct {
	AttID      int64     `db:"att_id"`
	EmailID    int64     `db:"email_id"`
	UserID     int64     `db:"user_id"`
	AccountID  int64     `db:"account_id"`
	Key        string    `db:"key"`
	Filename   string    `db:"filename"`
	MimeType   string    `db:"mime_type"`
	Size       int64     `db:"size"`
	ContentID  string    `db:"content_id"`
	Type       string    `db:"type"`
	CreateTime time.Time `db:"create_time"`
}

// SelectByEmailID lists the attachments of an email in insertion order.
func (s *AttachmentStore) SelectByEmailID(ctx context.Context, emailID int64) ([]AttachmentRow, error) {
	var rows []AttachmentRow
	q := s.db.Rebind(`SELECT * FROM attachment WHERE email_id = ? ORDER BY att_id`)
	if err := s.db.SelectContext(ctx, &rows, q, emailID); err != nil {
		return nil, fmt.Errorf("failed to query attachments of email %d: %w", emailID, err)
	}
	return rows, nil
}
