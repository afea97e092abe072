// Package server implements the gateway: subdomain dispatch, the reverse
// proxy pipeline, and the management/admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Synapsr/ProxyWarp/internal/config"
	"github.com/Synapsr/ProxyWarp/internal/rewrite"
	"github.com/Synapsr/ProxyWarp/internal/store/tokenfile"
	"github.com/Synapsr/ProxyWarp/internal/waf"
)

// Server routes incoming requests either to the reverse-proxy path (token
// subdomains of the base domain) or to the management surface.
type Server struct {
	cfg      config.Config
	store    *tokenfile.Store
	log      *slog.Logger
	cache    *resolverCache
	rewriter *rewrite.Rewriter
	client   *http.Client
	mgmt     http.Handler

	wafBlocks sync.Map // host → *atomic.Int64
	startedAt time.Time
}

const maxRedirects = 5

// New wires a Server from its dependencies. The token directory is passed
// in, never reached through a global, so tests can run independent
// directories side by side.
func New(cfg config.Config, store *tokenfile.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       logger,
		cache:     newResolverCache(cfg.CacheTTL),
		rewriter:  rewrite.New(cfg.BaseDomain),
		startedAt: time.Now(),
	}
	s.client = &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       cfg.ProxyTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.ProxyTimeout,
		},
		Timeout: cfg.ProxyTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	s.mgmt = s.managementRouter()
	return s
}

// Handler returns the root handler, including the panic recoverer and the
// optional WAF wrapper.
func (s *Server) Handler() http.Handler {
	handler := s.recoverer(http.HandlerFunc(s.dispatch))
	if s.cfg.WAFMode != "" {
		handler = waf.NewMiddleware(waf.Config{
			Enabled:   true,
			AuditOnly: s.cfg.WAFMode == config.WAFModeAudit,
			OnBlock:   s.recordWAFBlock,
		}, s.log)(handler)
		s.log.Info("waf enabled", "mode", s.cfg.WAFMode)
	}
	return handler
}

// dispatch applies the Host-header rule: anything that is not a strict
// subdomain of the base domain belongs to the management surface; the
// left-most label chain before ".<base>" is the proxy token.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.Host)
	suffix := "." + s.cfg.BaseDomain
	if host == "" || host == s.cfg.BaseDomain || !strings.HasSuffix(host, suffix) {
		s.mgmt.ServeHTTP(w, r)
		return
	}
	token := strings.TrimSuffix(host, suffix)
	s.handleProxy(w, r, token)
}

// Run starts the listener and the background workers, blocking until ctx
// is cancelled or a fatal error (e.g. bind failure) occurs.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", "addr", httpServer.Addr, "base_domain", s.cfg.BaseDomain, "debug", s.cfg.Debug)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.store.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// recordWAFBlock bumps the per-host block counter surfaced in diagnostics.
func (s *Server) recordWAFBlock(evt waf.BlockEvent) {
	val, _ := s.wafBlocks.LoadOrStore(evt.Host, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func (s *Server) wafBlockCounts() map[string]int64 {
	out := map[string]int64{}
	s.wafBlocks.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
