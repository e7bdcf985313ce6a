// Package email defines the inbound message model shared by the ingestion pipeline.
package email

import "strings"

// Address is a mailbox with an optional display name.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Message is a parsed inbound message. The parser produces it once per
// delivery; only moderation redaction mutates it afterwards.
type Message struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HtmlBody    string
	MessageID   string
	InReplyTo   string
	References  string
	Attachments []*Attachment
}

// Attachment is a file carried by a message.
//
// Key and Size are derived by the attachment processor; EmailID, UserID and
// AccountID are stamped once the owning email row exists.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte

	Key  string
	Size int64

	EmailID   int64
	UserID    int64
	AccountID int64
}

// Inline reports whether the attachment is referenced from the html body
// through a content id.
func (a *Attachment) Inline() bool {
	return a.ContentID != ""
}

// FindName returns the display name of the first address in list that
// matches addr case-insensitively, or an empty string.
func FindName(list []Address, addr string) string {
	for _, a := range list {
		if strings.EqualFold(a.Address, addr) {
			return a.Name
		}
	}
	return ""
}

// LocalPart returns the part of addr before the last '@'.
func LocalPart(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Domain returns the part of addr after the last '@', lowercased.
func Domain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}
