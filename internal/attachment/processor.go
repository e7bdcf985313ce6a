// Package attachment derives content-addressed storage keys for message
// attachments and separates inline parts from regular files.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"path"

	"github.com/shineum/mail-ingest/internal/email"
)

// KeyPrefix is the storage namespace of every attachment object.
const KeyPrefix = "attachments/"

// Key returns the storage key for content stored under filename: the
// SHA-256 of the bytes, prefixed with KeyPrefix and suffixed with the
// file's extension as written.
func Key(content []byte, filename string) string {
	sum := sha256.Sum256(content)
	return KeyPrefix + hex.EncodeToString(sum[:]) + Ext(filename)
}

// Ext returns the extension of filename including the dot, or "".
func Ext(filename string) string {
	if filename == "" {
		return ""
	}
	return path.Ext(path.Base(filename))
}

// Process annotates every attachment with its key and size and returns the
// full list plus the inline subset, both in input order.
func Process(atts []*email.Attachment) (all, inline []*email.Attachment) {
	for _, att := range atts {
		if att == nil {
			continue
		}
		att.Key = Key(att.Content, att.Filename)
		att.Size = int64(len(att.Content))
		all = append(all, att)
		if att.Inline() {
			inline = append(inline, att)
		}
	}
	return all, inline
}

// Stamp records the owning email row on each attachment.
func Stamp(atts []*email.Attachment, emailID, userID, accountID int64) {
	for _, att := range atts {
		att.EmailID = emailID
		att.UserID = userID
		att.AccountID = accountID
	}
}
