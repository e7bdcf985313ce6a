// Package address resolves the canonical recipient of an inbound message
// from forwarding and aliasing headers.
package address

import (
	"regexp"
	"strings"
)

// ForwardingHeaders lists, in priority order, the headers that relays and
// forwarders use to preserve the original recipient.
var ForwardingHeaders = []string{
	"X-Original-To",
	"Original-Recipient",
	"Delivered-To",
	"Envelope-To",
	"X-Receiver",
	"X-Forwarded-To",
}

var (
	angleAddr = regexp.MustCompile(`<\s*([^>]+)\s*>`)
	bareAddr  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[A-Za-z]{2,}`)
)

// Header is satisfied by net/mail.Header and net/textproto.MIMEHeader.
type Header interface {
	Get(key string) string
}

// Resolve returns the canonical recipient: the address carried by the
// highest-priority forwarding header present, else the one in fallback.
// It returns an empty string when nothing yields an address; callers then
// use the envelope recipient unchanged.
func Resolve(h Header, fallback string) string {
	if h != nil {
		for _, key := range ForwardingHeaders {
			v := h.Get(key)
			if v == "" {
				continue
			}
			if addr := Extract(v); addr != "" {
				return Normalize(addr)
			}
		}
	}
	if addr := Extract(fallback); addr != "" {
		return Normalize(addr)
	}
	return ""
}

// Extract pulls the first address out of a raw header value, preferring an
// angle-bracketed one.
func Extract(s string) string {
	if s == "" {
		return ""
	}
	if m := angleAddr.FindStringSubmatch(s); m != nil {
		if v := strings.TrimSpace(m[1]); v != "" {
			return v
		}
	}
	return bareAddr.FindString(s)
}

// Normalize lowercases addr and drops a "+tag" suffix from the local part.
func Normalize(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	if i := strings.Index(local, "+"); i >= 0 {
		local = local[:i]
	}
	return local + "@" + domain
}
