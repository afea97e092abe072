package server

import (
	"errors"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Synapsr/ProxyWarp/internal/domain"
	"github.com/Synapsr/ProxyWarp/internal/rewrite"
	"github.com/Synapsr/ProxyWarp/internal/store/tokenfile"
)

var errInvalidURL = errors.New("invalid url")

// managementRouter serves everything addressed to the base domain itself.
func (s *Server) managementRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/", s.handleHome)
	r.Get("/convert", s.handleConvert)
	r.Get("/test-token/{token}", s.handleTestToken)

	if s.cfg.Debug {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(s.adminWatchdog)
			ar.Get("/diagnostic", s.handleAdminDiagnostic)
			ar.Get("/test-connection", s.handleAdminTestConnection)
			ar.Get("/reload-tokens", s.handleAdminReloadTokens)
			ar.Get("/add-test-token", s.handleAdminAddTestToken)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.renderErrorPage(w, http.StatusNotFound, "Not Found",
			"There is nothing at "+r.URL.Path+".", "")
	})

	return r
}

// recoverer turns panics in handlers into the 500 error page, with the
// stack included only in debug mode.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				stack := ""
				if s.cfg.Debug {
					stack = string(debug.Stack())
				}
				s.renderErrorPage(w, http.StatusInternalServerError, "Internal Error",
					"The gateway hit an unexpected error.", stack)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleHome renders the landing page, or — given ?url= — allocates a
// token and bounces the browser straight onto the proxied subdomain.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		s.renderHomePage(w)
		return
	}

	origin, pathAndQuery, err := s.parseTargetURL(raw)
	if err != nil {
		s.renderErrorPage(w, http.StatusBadRequest, "Invalid URL",
			"The url parameter could not be parsed as a website address.", "")
		return
	}

	token := s.store.TokenForOrigin(origin.Domain, origin.Protocol)
	http.Redirect(w, r, rewrite.ProxyURL(token, s.cfg.BaseDomain, pathAndQuery), http.StatusFound)
}

// handleConvert is the JSON variant of the ?url= shortcut.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing url parameter"})
		return
	}

	origin, pathAndQuery, err := s.parseTargetURL(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid url"})
		return
	}

	token := s.store.TokenForOrigin(origin.Domain, origin.Protocol)
	writeJSON(w, http.StatusOK, map[string]string{
		"original": raw,
		"domain":   origin.Domain,
		"token":    token,
		"proxy":    rewrite.ProxyURL(token, s.cfg.BaseDomain, pathAndQuery),
	})
}

// handleTestToken resolves an existing token without allocating anything.
func (s *Server) handleTestToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	info, err := s.store.DomainInfoFromToken(token)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, tokenfile.ErrInvalidToken) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"targetInfo": info,
		"proxyUrl":   rewrite.ProxyURL(token, s.cfg.BaseDomain, "/"),
	})
}

// parseTargetURL validates a user-supplied URL and splits it into the
// upstream origin and the path+query to land on. Bare domains get the
// configured default protocol.
func (s *Server) parseTargetURL(raw string) (domain.TargetInfo, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.TargetInfo{}, "", errInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = s.cfg.DefaultProtocol + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return domain.TargetInfo{}, "", errInvalidURL
	}
	host := normalizeHost(u.Host)
	if !domain.ValidHostname(host) {
		return domain.TargetInfo{}, "", errInvalidURL
	}

	pathAndQuery := u.Path
	if u.RawQuery != "" {
		pathAndQuery += "?" + u.RawQuery
	}

	origin := domain.TargetInfo{
		Domain:   host,
		Protocol: domain.NormalizeProtocol(u.Scheme, s.cfg.DefaultProtocol),
	}
	return origin, pathAndQuery, nil
}
