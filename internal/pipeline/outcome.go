package pipeline

import (
	"strings"

	"github.com/shineum/mail-ingest/internal/settings"
)

// Outcome tells why a delivery stopped where it did. Every outcome except
// OutcomeFailed is a deliberate result, not an error.
type Outcome string

const (
	// OutcomeDisabled: receiving is switched off.
	OutcomeDisabled Outcome = "disabled"
	// OutcomeNoRecipient: no account matched and unmatched mail is refused.
	OutcomeNoRecipient Outcome = "no_recipient"
	// OutcomeDomainDenied: the account may not receive at the recipient's domain.
	OutcomeDomainDenied Outcome = "domain_denied"
	// OutcomeBlocked: the sender is banned outright.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeFiltered: stored, but the routing rule suppressed notification.
	OutcomeFiltered Outcome = "filtered"
	// OutcomeDelivered: stored and notifications attempted.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeFailed: an error or panic aborted processing.
	OutcomeFailed Outcome = "failed"
)

// Allows reports whether notifications may be sent for recipient. With the
// RULE routing type only addresses on the rule list pass.
func Allows(recipient string, s settings.Settings) bool {
	if s.RuleType != settings.RuleList {
		return true
	}
	for _, addr := range s.RuleEmails {
		if strings.EqualFold(addr, recipient) {
			return true
		}
	}
	return false
}
