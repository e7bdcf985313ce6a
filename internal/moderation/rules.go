// Package moderation decides, per matched account, whether an inbound
// message is accepted, dropped or stripped of its content.
package moderation

import (
	"regexp"
	"strings"

	"github.com/shineum/mail-ingest/internal/email"
)

// RuleKind tells how a ban rule is compared against a sender.
type RuleKind int

const (
	// DomainRule matches every sender of a domain.
	DomainRule RuleKind = iota
	// AddressRule matches one sender address.
	AddressRule
)

func (k RuleKind) String() string {
	if k == DomainRule {
		return "domain"
	}
	return "address"
}

// Rule is one entry of a role's ban list, classified once at parse time.
type Rule struct {
	Kind  RuleKind
	Value string
}

var domainPattern = regexp.MustCompile(`^(?i)[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)*\.[a-z]{2,}$`)

// IsDomain reports whether s is a bare domain name.
func IsDomain(s string) bool {
	return domainPattern.MatchString(s)
}

// ParseRules splits a comma-separated ban list. Empty entries are ignored;
// an entry written as "@domain" is treated as a domain rule.
func ParseRules(list string) []Rule {
	var rules []Rule
	for _, item := range strings.Split(list, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if d := strings.TrimPrefix(item, "@"); IsDomain(d) {
			rules = append(rules, Rule{Kind: DomainRule, Value: d})
			continue
		}
		rules = append(rules, Rule{Kind: AddressRule, Value: item})
	}
	return rules
}

// Matches reports whether sender falls under the rule.
func (r Rule) Matches(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if r.Kind == DomainRule {
		return email.Domain(sender) == r.Value
	}
	return sender == r.Value
}

// HasDomainPermission reports whether recipient's domain is in the
// comma-separated allowed list. An empty list allows every domain.
func HasDomainPermission(allowed, recipient string) bool {
	domains := strings.Split(allowed, ",")
	domain := email.Domain(recipient)
	empty := true
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d == "" {
			continue
		}
		empty = false
		if d == domain {
			return true
		}
	}
	return empty
}
