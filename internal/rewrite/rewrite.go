// Package rewrite transforms upstream HTML so intra-origin navigation stays
// on the proxied subdomain. The rewriting is deliberately regex-based: the
// patterns below are the normative contract for what gets rewritten, and a
// structural HTML parser would change that contract, not improve it.
// Malformed HTML never fails; every rule is a best-effort textual pass.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/Synapsr/ProxyWarp/internal/domain"
)

var (
	// Rule 2: absolute-path href/src. The leading whitespace is part of the
	// match and is preserved in the replacement.
	absPathAttr = regexp.MustCompile(`(?i)(\s)(href|src)=["']/([^"']*)["']`)
	// Rule 3: form actions.
	formAction = regexp.MustCompile(`(?i)<form([^>]*)action=["']([^"']*)["']`)
	// Rule 4 helpers.
	baseTag = regexp.MustCompile(`(?i)<base\s`)
	headTag = regexp.MustCompile(`(?i)<head[^>]*>`)
)

// ProxyURL builds the proxied form of pathAndQuery for token under base,
// guaranteeing a leading slash when a path is supplied.
func ProxyURL(token, base, pathAndQuery string) string {
	u := "https://" + token + "." + base
	if pathAndQuery == "" {
		return u
	}
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	return u + pathAndQuery
}

// Rewriter applies the URL rewriting rules for one base domain. Per-origin
// regexes (rule 1 depends on the upstream hostname) are compiled once and
// cached.
type Rewriter struct {
	baseDomain string

	mu        sync.Mutex
	originRes map[string]*regexp.Regexp
}

// New creates a Rewriter for the given base domain.
func New(baseDomain string) *Rewriter {
	return &Rewriter{
		baseDomain: baseDomain,
		originRes:  map[string]*regexp.Regexp{},
	}
}

// Rewrite applies the five transformations in order and returns the new
// body. Re-running it on its own output is a no-op: rewritten URLs contain
// the base domain and are skipped by every rule.
func (rw *Rewriter) Rewrite(body string, target domain.TargetInfo) string {
	body = rw.rewriteAbsoluteURLs(body, target)
	body = rw.rewriteAbsolutePaths(body, target)
	body = rw.rewriteFormActions(body, target)
	body = rw.injectBaseTag(body, target)
	body = rw.injectClientScript(body, target)
	return body
}

// rewriteAbsoluteURLs is rule 1: href/src pointing at the upstream origin
// (scheme-full or protocol-relative, with or without www) move onto the
// proxied subdomain.
func (rw *Rewriter) rewriteAbsoluteURLs(body string, target domain.TargetInfo) string {
	re := rw.originRegexp(target.Domain)
	if re == nil {
		return body
	}
	return re.ReplaceAllStringFunc(body, func(match string) string {
		m := re.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		attr, path := m[1], m[2]
		return attr + `="` + ProxyURL(target.Token, rw.baseDomain, path) + `"`
	})
}

func (rw *Rewriter) originRegexp(host string) *regexp.Regexp {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if re, ok := rw.originRes[host]; ok {
		return re
	}
	pattern := fmt.Sprintf(`(?i)(href|src)=["'](?:https?:)?//(?:www\.)?%s([^"']*)["']`, regexp.QuoteMeta(host))
	re, err := regexp.Compile(pattern)
	if err != nil {
		rw.originRes[host] = nil
		return nil
	}
	rw.originRes[host] = re
	return re
}

// rewriteAbsolutePaths is rule 2: root-relative href/src values.
func (rw *Rewriter) rewriteAbsolutePaths(body string, target domain.TargetInfo) string {
	return absPathAttr.ReplaceAllStringFunc(body, func(match string) string {
		m := absPathAttr.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		ws, attr, path := m[1], m[2], m[3]
		return ws + attr + `="` + ProxyURL(target.Token, rw.baseDomain, "/"+path) + `"`
	})
}

// rewriteFormActions is rule 3. Absolute actions are rewritten only when
// they address the upstream origin; relative actions resolve through the
// injected base tag and stay untouched.
func (rw *Rewriter) rewriteFormActions(body string, target domain.TargetInfo) string {
	return formAction.ReplaceAllStringFunc(body, func(match string) string {
		m := formAction.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		attrs, action := m[1], m[2]
		rewritten, ok := rw.formActionURL(action, target)
		if !ok {
			return match
		}
		return "<form" + attrs + `action="` + rewritten + `"`
	})
}

func (rw *Rewriter) formActionURL(action string, target domain.TargetInfo) (string, bool) {
	if strings.Contains(action, rw.baseDomain) {
		return "", false
	}
	if strings.HasPrefix(action, "http") {
		u, err := url.Parse(action)
		if err != nil {
			return "", false
		}
		host := strings.ToLower(u.Hostname())
		if host != target.Domain && host != "www."+target.Domain {
			return "", false
		}
		pq := u.Path
		if u.RawQuery != "" {
			pq += "?" + u.RawQuery
		}
		return ProxyURL(target.Token, rw.baseDomain, pq), true
	}
	if strings.HasPrefix(action, "/") {
		return ProxyURL(target.Token, rw.baseDomain, action), true
	}
	return "", false
}

// injectBaseTag is rule 4: unless the document already carries a <base>
// tag, one pointing at the proxied root is inserted right after the first
// <head> opening tag so relative references resolve under the proxy.
func (rw *Rewriter) injectBaseTag(body string, target domain.TargetInfo) string {
	if baseTag.MatchString(body) {
		return body
	}
	loc := headTag.FindStringIndex(body)
	if loc == nil {
		return body
	}
	tag := "\n" + `<base href="` + ProxyURL(target.Token, rw.baseDomain, "/") + `">` + "\n"
	return body[:loc[1]] + tag + body[loc[1]:]
}

// injectClientScript is rule 5: the interceptor payload goes immediately
// before </body>, or at the end of the document when no </body> exists.
// A marker check keeps the whole rewrite idempotent on its own output.
func (rw *Rewriter) injectClientScript(body string, target domain.TargetInfo) string {
	if strings.Contains(body, scriptMarker) {
		return body
	}
	script := BuildScript(target.Token, rw.baseDomain, target.Domain)
	idx := strings.LastIndex(strings.ToLower(body), "</body>")
	if idx < 0 {
		return body + script
	}
	return body[:idx] + script + "\n" + body[idx:]
}
