// Package settings holds the process-wide switches that steer the ingestion
// pipeline. A Settings value is a read-only snapshot taken once per
// delivery.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidValue is returned when a stored option holds a value outside
// its enumeration.
var ErrInvalidValue = errors.New("invalid setting value")

// Keys of the options understood by Parse.
const (
	KeyReceive       = "receive"
	KeyTgBotStatus   = "tgBotStatus"
	KeyTgBotToken    = "tgBotToken"
	KeyTgChatID      = "tgChatId"
	KeyForwardStatus = "forwardStatus"
	KeyForwardEmail  = "forwardEmail"
	KeyRuleType      = "ruleType"
	KeyRuleEmail     = "ruleEmail"
	KeyR2Domain      = "r2Domain"
	KeyNoRecipient   = "noRecipient"
)

// Switch is an OPEN/CLOSE flag.
type Switch string

const (
	Open  Switch = "OPEN"
	Close Switch = "CLOSE"
)

// RuleType selects whether notifications are restricted to an allow-list.
type RuleType string

const (
	RuleNone RuleType = "NONE"
	RuleList RuleType = "RULE"
)

// Settings is the typed configuration snapshot.
type Settings struct {
	Receive       Switch
	TgBotStatus   Switch
	TgBotToken    string
	TgChatIDs     []string
	ForwardStatus Switch
	ForwardEmails []string
	RuleType      RuleType
	RuleEmails    []string
	R2Domain      string
	NoRecipient   Switch
}

// Source loads the raw key/value options.
type Source interface {
	SelectAll(ctx context.Context) (map[string]string, error)
}

// Load reads and parses a snapshot from src.
func Load(ctx context.Context, src Source) (Settings, error) {
	raw, err := src.SelectAll(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return Parse(raw)
}

// Parse converts raw options into Settings. Missing or empty enum options
// take their defaults; any other unrecognized value is rejected.
func Parse(raw map[string]string) (Settings, error) {
	var (
		s   Settings
		err error
	)

	if s.Receive, err = parseSwitch(raw, KeyReceive, Open); err != nil {
		return Settings{}, err
	}
	if s.TgBotStatus, err = parseSwitch(raw, KeyTgBotStatus, Close); err != nil {
		return Settings{}, err
	}
	if s.ForwardStatus, err = parseSwitch(raw, KeyForwardStatus, Close); err != nil {
		return Settings{}, err
	}
	if s.NoRecipient, err = parseSwitch(raw, KeyNoRecipient, Open); err != nil {
		return Settings{}, err
	}

	switch v := RuleType(strings.ToUpper(strings.TrimSpace(raw[KeyRuleType]))); v {
	case "":
		s.RuleType = RuleNone
	case RuleNone, RuleList:
		s.RuleType = v
	default:
		return Settings{}, fmt.Errorf("%w: %s=%q", ErrInvalidValue, KeyRuleType, raw[KeyRuleType])
	}

	s.TgBotToken = strings.TrimSpace(raw[KeyTgBotToken])
	s.TgChatIDs = SplitList(raw[KeyTgChatID])
	s.ForwardEmails = SplitList(raw[KeyForwardEmail])
	s.RuleEmails = SplitList(raw[KeyRuleEmail])
	s.R2Domain = strings.TrimRight(strings.TrimSpace(raw[KeyR2Domain]), "/")

	return s, nil
}

// BotEnabled reports whether chat notification should run.
func (s Settings) BotEnabled() bool {
	return s.TgBotStatus == Open && len(s.TgChatIDs) > 0
}

// ForwardEnabled reports whether forwarding should run.
func (s Settings) ForwardEnabled() bool {
	return s.ForwardStatus == Open && len(s.ForwardEmails) > 0
}

func parseSwitch(raw map[string]string, key string, def Switch) (Switch, error) {
	switch v := Switch(strings.ToUpper(strings.TrimSpace(raw[key]))); v {
	case "":
		return def, nil
	case Open, Close:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, raw[key])
	}
}

// SplitList splits a comma-separated option, trimming entries and dropping
// empty ones.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
