// Package domain defines the core value types shared between the token
// directory, the router, and the HTML rewriter.
package domain

import (
	"regexp"
	"strings"
)

// Protocol values accepted for upstream origins.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// hostnamePattern matches a lowercased DNS label sequence with at least two
// labels (an apex or deeper hostname, never a bare label or an IP literal
// with brackets).
var hostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// tokenPattern matches a single proxy subdomain label.
var tokenPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// TokenEntry is the value stored per token in the directory, and the JSON
// shape persisted per key in the DB file.
type TokenEntry struct {
	Domain    string `json:"domain"`
	Protocol  string `json:"protocol"`
	Timestamp int64  `json:"timestamp"` // last access, Unix milliseconds
}

// TargetInfo identifies a resolved upstream for one request: the token that
// addressed it plus the origin it maps to.
type TargetInfo struct {
	Token    string `json:"token"`
	Domain   string `json:"domain"`
	Protocol string `json:"protocol"`
}

// Origin returns the scheme://host base URL of the upstream.
func (t TargetInfo) Origin() string {
	return t.Protocol + "://" + t.Domain
}

// Valid reports whether the target carries enough information to build an
// upstream request.
func (t TargetInfo) Valid() bool {
	return t.Domain != "" && (t.Protocol == ProtocolHTTP || t.Protocol == ProtocolHTTPS)
}

// ValidHostname reports whether host is an acceptable upstream hostname.
// The caller is expected to have lowercased it already; mixed case fails.
func ValidHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	return hostnamePattern.MatchString(host)
}

// ValidToken reports whether s has the shape of a directory token. It does
// not check membership.
func ValidToken(s string) bool {
	return s != "" && tokenPattern.MatchString(s)
}

// NormalizeProtocol maps raw scheme strings onto http/https, falling back
// to def for anything unrecognized.
func NormalizeProtocol(raw, def string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ProtocolHTTP:
		return ProtocolHTTP
	case ProtocolHTTPS:
		return ProtocolHTTPS
	}
	return def
}
