package moderation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/mail-ingest/internal/email"
)

// Placeholder replaces the bodies of redacted messages.
const Placeholder = "The content has been deleted"

// BanMode is the severity applied when a sender matches a ban rule.
type BanMode string

const (
	// BanNone is an unset mode: matching rules have no effect.
	BanNone BanMode = ""
	// BanAll drops the message entirely.
	BanAll BanMode = "ALL"
	// BanContentOnly keeps the message but strips its content.
	BanContentOnly BanMode = "CONTENT"
)

// ErrInvalidBanMode is returned for a ban mode outside the known spellings.
var ErrInvalidBanMode = errors.New("invalid ban mode")

// ParseBanMode accepts the stored spellings of a ban mode. An empty value is
// BanNone; anything else unknown is rejected.
func ParseBanMode(s string) (BanMode, error) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "":
		return BanNone, nil
	case "ALL":
		return BanAll, nil
	case "CONTENT", "CONTENT-ONLY", "CONTENT_ONLY":
		return BanContentOnly, nil
	default:
		return BanNone, fmt.Errorf("%w: %q", ErrInvalidBanMode, s)
	}
}

// Permissions are the moderation-relevant fields of an account's role.
type Permissions struct {
	BanEmail    string
	BanMode     BanMode
	AvailDomain string
}

// Action is the moderation verdict.
type Action int

const (
	Allow Action = iota
	Block
	Redact
)

func (a Action) String() string {
	switch a {
	case Block:
		return "block"
	case Redact:
		return "redact"
	default:
		return "allow"
	}
}

// Reason explains a non-allow verdict.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonDomainDenied Reason = "domain_denied"
	ReasonBanned       Reason = "banned"
)

// Decision is the outcome of Moderate.
type Decision struct {
	Action Action
	Reason Reason
	// Rule is the ban rule that matched, when Reason is ReasonBanned.
	Rule Rule
}

// Moderate applies the allowed-domain check against recipient and then the
// ban list against sender. The first matching rule decides.
func Moderate(sender, recipient string, perms Permissions) Decision {
	if !HasDomainPermission(perms.AvailDomain, recipient) {
		return Decision{Action: Block, Reason: ReasonDomainDenied}
	}

	for _, rule := range ParseRules(perms.BanEmail) {
		if !rule.Matches(sender) {
			continue
		}
		switch perms.BanMode {
		case BanAll:
			return Decision{Action: Block, Reason: ReasonBanned, Rule: rule}
		case BanContentOnly:
			return Decision{Action: Redact, Reason: ReasonBanned, Rule: rule}
		default:
			return Decision{Action: Allow}
		}
	}

	return Decision{Action: Allow}
}

// RedactMessage replaces both bodies with Placeholder and drops all
// attachments.
func RedactMessage(msg *email.Message) {
	msg.HtmlBody = Placeholder
	msg.TextBody = Placeholder
	msg.Attachments = nil
}
