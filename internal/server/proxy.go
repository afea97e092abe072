package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Synapsr/ProxyWarp/internal/domain"
	"github.com/Synapsr/ProxyWarp/internal/netutil"
)

var errUnknownToken = errors.New("unknown token")

// responseHeadersToStrip are removed from every upstream response so the
// proxied page can be embedded and scripted from anywhere.
var responseHeadersToStrip = []string{
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"Feature-Policy",
	"Permissions-Policy",
}

// watchdog guards one proxied request: if nothing has started writing the
// response when the timer fires, it emits the 504 page itself. Every write
// path must claim the response via start() first, so the handler and the
// timer goroutine never interleave writes.
type watchdog struct {
	mu      sync.Mutex
	started bool
	fired   bool
	timer   *time.Timer
}

func (s *Server) newWatchdog(w http.ResponseWriter, host string) *watchdog {
	wd := &watchdog{}
	wd.timer = time.AfterFunc(s.cfg.RequestTimeout, func() {
		wd.mu.Lock()
		defer wd.mu.Unlock()
		if wd.started {
			s.log.Warn("request watchdog expired after response start", "host", host)
			return
		}
		wd.fired = true
		s.log.Warn("request watchdog expired", "host", host)
		s.renderErrorPage(w, http.StatusGatewayTimeout, "Gateway Timeout",
			"The upstream site did not respond in time.", "")
	})
	return wd
}

// start claims the response for the handler. A false return means the
// watchdog already answered; the caller must discard its response.
func (wd *watchdog) start() bool {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.fired {
		return false
	}
	wd.started = true
	return true
}

func (wd *watchdog) stop() {
	wd.timer.Stop()
}

// handleProxy serves one request on a token subdomain.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, token string) {
	wd := s.newWatchdog(w, r.Host)
	defer wd.stop()

	target, err := s.resolveTarget(r, token)
	if err != nil {
		if wd.start() {
			s.log.Warn("unresolvable proxy host", "host", r.Host, "token", token)
			s.renderErrorPage(w, http.StatusBadRequest, "Unknown Subdomain",
				"This subdomain is not registered. Open the site through the gateway home page first.", "")
		}
		return
	}

	s.forward(wd, w, r, target)
}

// resolveTarget turns the subdomain token into an upstream target: resolver
// cache, then directory, then Referer recovery, then one reload-and-retry.
func (s *Server) resolveTarget(r *http.Request, token string) (domain.TargetInfo, error) {
	key := cacheKey(token)
	if target, ok := s.cache.get(key); ok {
		return target, nil
	}

	if target, err := s.store.DomainInfoFromToken(token); err == nil {
		s.cache.set(key, target)
		return target, nil
	}

	// Sub-resources often arrive on a stale or mistyped subdomain while
	// their page sits on a valid one; adopt the referrer's upstream for
	// this request. The cache entry is written under the incoming key so
	// sibling requests short-circuit the same way.
	if target, ok := s.recoverFromReferer(r); ok {
		s.log.Debug("token recovered via referer", "token", token, "referer_token", target.Token)
		s.cache.set(key, target)
		return target, nil
	}

	s.store.ForceReload()
	if target, err := s.store.DomainInfoFromToken(token); err == nil {
		s.cache.set(key, target)
		return target, nil
	}

	return domain.TargetInfo{}, errUnknownToken
}

func (s *Server) recoverFromReferer(r *http.Request) (domain.TargetInfo, bool) {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return domain.TargetInfo{}, false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return domain.TargetInfo{}, false
	}
	host := normalizeHost(u.Host)
	suffix := "." + s.cfg.BaseDomain
	if !strings.HasSuffix(host, suffix) {
		return domain.TargetInfo{}, false
	}
	refToken := strings.TrimSuffix(host, suffix)
	if !domain.ValidToken(refToken) {
		return domain.TargetInfo{}, false
	}
	target, err := s.store.DomainInfoFromToken(refToken)
	if err != nil {
		return domain.TargetInfo{}, false
	}
	return target, true
}

// forward runs the upstream round trip and relays the response, diverting
// HTML bodies through the rewriter.
func (s *Server) forward(wd *watchdog, w http.ResponseWriter, r *http.Request, target domain.TargetInfo) {
	if !target.Valid() {
		if wd.start() {
			s.renderErrorPage(w, http.StatusInternalServerError, "Proxy Error",
				"The resolved target is incomplete.", "")
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target.Origin()+r.URL.RequestURI(), r.Body)
	if err != nil {
		if wd.start() {
			s.renderErrorPage(w, http.StatusInternalServerError, "Proxy Error",
				"Could not build the upstream request.", "")
		}
		return
	}

	req.Header = r.Header.Clone()
	netutil.RemoveHopByHopHeaders(req.Header)
	req.Header.Del("X-Forwarded-Host")
	req.Header.Del("X-Forwarded-Proto")
	// Let the transport negotiate gzip itself so HTML arrives decoded for
	// the rewriter.
	req.Header.Del("Accept-Encoding")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Referer", target.Origin()+"/")
	req.Host = target.Domain

	resp, err := s.client.Do(req)
	if err != nil {
		if wd.start() {
			s.log.Warn("upstream request failed", "domain", target.Domain, "err", err)
			s.renderErrorPage(w, http.StatusBadGateway, "Bad Gateway",
				"The upstream site could not be reached.", "")
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Headers are staged locally and only copied onto the live writer once
	// the watchdog race is settled via start().
	hdr := make(http.Header, len(resp.Header))
	scrubResponseHeaders(hdr, resp.Header)

	if isHTML(resp.Header.Get("Content-Type")) {
		s.relayHTML(wd, w, r, resp, hdr, target)
		return
	}
	s.relayStream(wd, w, r, resp, hdr, target)
}

// scrubResponseHeaders copies upstream headers minus the embedding blockers
// and applies the permissive overrides.
func scrubResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	netutil.RemoveHopByHopHeaders(dst)
	for _, k := range responseHeadersToStrip {
		dst.Del(k)
	}
	dst.Set("Access-Control-Allow-Origin", "*")
	dst.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	dst.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
	dst.Set("Access-Control-Allow-Credentials", "true")
	dst.Set("X-Frame-Options", "ALLOWALL")
}

// relayHTML buffers the whole body, rewrites it, and re-emits it with a
// corrected Content-Length. The rewriter owns the response from here on.
func (s *Server) relayHTML(wd *watchdog, w http.ResponseWriter, r *http.Request, resp *http.Response, hdr http.Header, target domain.TargetInfo) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if wd.start() {
			s.log.Warn("upstream body read failed", "domain", target.Domain, "err", err)
			s.renderErrorPage(w, http.StatusBadGateway, "Bad Gateway",
				"The upstream response could not be read.", "")
		}
		return
	}

	out := s.rewriter.Rewrite(string(body), target)

	hdr.Del("Content-Encoding")
	hdr.Set("Content-Length", strconv.Itoa(len(out)))

	if !wd.start() {
		return
	}
	copyHeader(w.Header(), hdr)
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, out)
	}
}

// relayStream pipes a non-HTML body through untouched.
func (s *Server) relayStream(wd *watchdog, w http.ResponseWriter, r *http.Request, resp *http.Response, hdr http.Header, target domain.TargetInfo) {
	if !wd.start() {
		return
	}
	copyHeader(w.Header(), hdr)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are long gone; nothing to do but drop the connection.
		s.log.Debug("stream relay aborted", "domain", target.Domain, "err", err)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}
