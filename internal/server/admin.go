package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/Synapsr/ProxyWarp/internal/domain"
	"github.com/Synapsr/ProxyWarp/internal/rewrite"
	"github.com/Synapsr/ProxyWarp/internal/versionutil"
)

// adminWatchdog bounds every admin operation: the handler runs against a
// buffered writer under a deadline context, and a stuck probe yields a 504
// JSON instead of monopolising the connection.
func (s *Server) adminWatchdog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
		defer cancel()

		buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Error("admin handler panic", "path", r.URL.Path, "panic", rec)
					buf.status = http.StatusInternalServerError
				}
			}()
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()

		select {
		case <-done:
			buf.flush(w)
		case <-ctx.Done():
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "admin operation timed out"})
		}
	})
}

// bufferedResponse captures a handler's output so the watchdog can decide
// whether it ever reaches the wire.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	copyHeader(w.Header(), b.header)
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

func (s *Server) handleAdminDiagnostic(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    versionutil.EnsureVPrefix(versionutil.Version),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"baseDomain": s.cfg.BaseDomain,
		"debug":      s.cfg.Debug,
		"goroutines": runtime.NumGoroutine(),
		"heapAlloc":  mem.HeapAlloc,
		"directory": map[string]any{
			"tokens": len(s.store.AllEntries()),
			"backup": s.store.BackupState(),
		},
		"resolverCache": s.cache.size(),
		"wafMode":       s.cfg.WAFMode,
		"wafBlocks":     s.wafBlockCounts(),
	})
}

// handleAdminTestConnection probes DNS plus plain and TLS HTTP for a
// domain, reporting each leg independently.
func (s *Server) handleAdminTestConnection(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.URL.Query().Get("domain"))
	if !domain.ValidHostname(host) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid domain parameter"})
		return
	}

	ctx := r.Context()
	result := map[string]any{"domain": host}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		result["dns"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		result["dns"] = map[string]any{"ok": true, "addresses": addrs}
	}

	for _, scheme := range []string{"http", "https"} {
		result[scheme] = s.probeHTTP(ctx, scheme+"://"+host+"/")
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) probeHTTP(ctx context.Context, url string) map[string]any {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	_ = resp.Body.Close()
	return map[string]any{"ok": true, "status": resp.StatusCode}
}

func (s *Server) handleAdminReloadTokens(w http.ResponseWriter, _ *http.Request) {
	count := s.store.ForceReload()
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "tokens": count})
}

func (s *Server) handleAdminAddTestToken(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.URL.Query().Get("domain"))
	if !domain.ValidHostname(host) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid domain parameter"})
		return
	}
	token := s.store.TokenForDomain(host)
	writeJSON(w, http.StatusOK, map[string]string{
		"domain": host,
		"token":  token,
		"proxy":  rewrite.ProxyURL(token, s.cfg.BaseDomain, "/"),
	})
}
