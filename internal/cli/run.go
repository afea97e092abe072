// Package cli wires configuration, logging, and the server together and
// owns process exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Synapsr/ProxyWarp/internal/config"
	"github.com/Synapsr/ProxyWarp/internal/debughttp"
	"github.com/Synapsr/ProxyWarp/internal/log"
	"github.com/Synapsr/ProxyWarp/internal/server"
	"github.com/Synapsr/ProxyWarp/internal/store/tokenfile"
	"github.com/Synapsr/ProxyWarp/internal/versionutil"
)

// Run parses args, boots the gateway, and blocks until SIGINT/SIGTERM.
// It returns the process exit code: 0 on clean shutdown, non-zero on
// configuration or bind failure.
func Run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Println("proxywarp " + versionutil.EnsureVPrefix(versionutil.Version))
			return 0
		case "-h", "--help", "help":
			printUsage()
			return 0
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	logger := log.New(cfg.LogLevel, cfg.Debug)

	store, err := tokenfile.Open(tokenfile.Config{
		Path:            cfg.DBFile,
		TokenLength:     cfg.TokenLength,
		Expiration:      cfg.TokenExpiration,
		CleanupInterval: cfg.CleanupInterval,
		DefaultProtocol: cfg.DefaultProtocol,
	}, log.ForComponent(logger, "directory"))
	if err != nil {
		logger.Error("token directory", "err", err)
		return 1
	}

	if err := debughttp.Start(ctx, cfg.PprofAddr, log.ForComponent(logger, "pprof")); err != nil {
		logger.Error("pprof listener", "addr", cfg.PprofAddr, "err", err)
		return 1
	}

	srv := server.New(cfg, store, log.ForComponent(logger, "server"))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "err", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

func printUsage() {
	fmt.Println(`proxywarp - transparent reverse-proxy gateway

Usage:
  proxywarp [flags]
  proxywarp version

Flags (environment variable in parentheses):
  -port              listen port (PORT, default 3000)
  -domain            base domain with wildcard DNS (BASE_DOMAIN, required)
  -debug             enable admin endpoints and error stacks (DEBUG)
  -log-level         debug|info|warn|error (LOG_LEVEL)
  -db                token database file (DB_FILE, default ./data/tokens.json)
  -token-length      generated token length (TOKEN_LENGTH, default 6)
  -default-protocol  protocol for bare domains (DEFAULT_PROTOCOL, default https)
  -user-agent        User-Agent sent upstream (USER_AGENT)
  -waf               off|block|audit (WAF, default off)
  -pprof             pprof listen address (PPROF_ADDR, default off)`)
}
