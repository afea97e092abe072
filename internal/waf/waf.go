// Package waf implements an optional application-firewall middleware for
// the gateway. It screens requests for common scanner and injection
// patterns before they reach the router or get forwarded upstream.
package waf

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Synapsr/ProxyWarp/internal/netutil"
)

// BlockEvent describes one blocked (or, in audit mode, matched) request.
type BlockEvent struct {
	Host       string // normalised Host header
	Rule       string // name of the matched rule
	Method     string
	RequestURI string
	RemoteAddr string
	UserAgent  string
}

// Config controls firewall behaviour.
type Config struct {
	Enabled bool
	// AuditOnly logs matches without blocking (dry-run).
	AuditOnly bool
	// OnBlock is invoked for every match when non-nil.
	OnBlock func(BlockEvent)
}

type firewall struct {
	rules     []rule
	log       *slog.Logger
	auditOnly bool
	onBlock   func(BlockEvent)
}

var forbiddenJSONBody = []byte(`{"error":"Forbidden"}` + "\n")

// exemptPaths are never screened: the health probe must stay cheap and the
// home page serves arbitrary ?url= values that trip URL-shaped rules.
var exemptPaths = map[string]struct{}{
	"/healthz": {},
	"/":        {},
	"/convert": {},
}

// NewMiddleware wraps next with the firewall. A disabled config returns
// next unchanged.
func NewMiddleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		fw := &firewall{
			rules:     defaultRules(),
			log:       logger,
			auditOnly: cfg.AuditOnly,
			onBlock:   cfg.OnBlock,
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, exempt := exemptPaths[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			matched, ruleName := fw.check(r)
			if !matched {
				next.ServeHTTP(w, r)
				return
			}

			msg := "waf blocked request"
			if fw.auditOnly {
				msg = "waf matched request (audit)"
			}
			fw.log.Warn(msg,
				"rule", ruleName,
				"method", r.Method,
				"uri", r.RequestURI,
				"remote", clientAddr(r),
				"ua", r.UserAgent(),
			)
			if fw.onBlock != nil {
				fw.onBlock(BlockEvent{
					Host:       netutil.NormalizeHost(r.Host),
					Rule:       ruleName,
					Method:     r.Method,
					RequestURI: r.RequestURI,
					RemoteAddr: clientAddr(r),
					UserAgent:  r.UserAgent(),
				})
			}
			if fw.auditOnly {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write(forbiddenJSONBody)
		})
	}
}

// maxURILength bounds acceptable request URIs; longer ones are a smuggling
// or overflow probe.
const maxURILength = 8192

// maxHeaderCount bounds non-exempt header values per request.
const maxHeaderCount = 64

// skipHeaders are excluded from pattern matching: browser-controlled or
// known false-positive generators. Referer stays screened on the
// management surface but is central to token recovery on the proxy path,
// so it is skipped too.
var skipHeaders = map[string]struct{}{
	"host":               {},
	"accept":             {},
	"accept-language":    {},
	"accept-encoding":    {},
	"connection":         {},
	"content-length":     {},
	"content-type":       {},
	"if-modified-since":  {},
	"if-none-match":      {},
	"cache-control":      {},
	"referer":            {},
	"cookie":             {},
	"sec-fetch-dest":     {},
	"sec-fetch-mode":     {},
	"sec-fetch-site":     {},
	"sec-fetch-user":     {},
	"sec-ch-ua":          {},
	"sec-ch-ua-mobile":   {},
	"sec-ch-ua-platform": {},
}

type requestView struct {
	requestURI   string
	path         string
	rawQuery     string
	decodedQuery string
	userAgent    string
	headerValues []string
}

func newRequestView(r *http.Request) requestView {
	rawQuery := r.URL.RawQuery
	decodedQuery := rawQuery
	if strings.Contains(rawQuery, "%") {
		if d, err := url.QueryUnescape(rawQuery); err == nil {
			decodedQuery = d
		}
	}

	headerValues := make([]string, 0, len(r.Header))
	for name, values := range r.Header {
		if _, skip := skipHeaders[strings.ToLower(name)]; skip {
			continue
		}
		headerValues = append(headerValues, values...)
	}

	return requestView{
		requestURI:   r.RequestURI,
		path:         r.URL.Path,
		rawQuery:     rawQuery,
		decodedQuery: decodedQuery,
		userAgent:    r.UserAgent(),
		headerValues: headerValues,
	}
}

// check tests the request against every rule, first match wins.
func (fw *firewall) check(r *http.Request) (bool, string) {
	view := newRequestView(r)

	if len(view.requestURI) > maxURILength {
		return true, "uri-too-long"
	}
	if len(view.headerValues) > maxHeaderCount {
		return true, "too-many-headers"
	}

	for i := range fw.rules {
		rl := &fw.rules[i]
		if rl.targets&targetURI != 0 && rl.pattern.MatchString(view.requestURI) {
			return true, rl.name
		}
		if rl.targets&targetPath != 0 && rl.pattern.MatchString(view.path) {
			return true, rl.name
		}
		if rl.targets&targetQuery != 0 && view.rawQuery != "" {
			if rl.pattern.MatchString(view.rawQuery) || rl.pattern.MatchString(view.decodedQuery) {
				return true, rl.name
			}
		}
		if rl.targets&targetUA != 0 && view.userAgent != "" && rl.pattern.MatchString(view.userAgent) {
			return true, rl.name
		}
		if rl.targets&targetHeaders != 0 {
			for _, v := range view.headerValues {
				if rl.pattern.MatchString(v) {
					return true, rl.name
				}
			}
		}
	}
	return false, ""
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return fwd
	}
	return r.RemoteAddr
}
