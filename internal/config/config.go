// Package config loads gateway configuration from environment variables
// with flag overrides.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full server configuration.
type Config struct {
	Port       int
	BaseDomain string
	Debug      bool
	LogLevel   string

	DBFile          string
	TokenLength     int
	CleanupInterval time.Duration
	TokenExpiration time.Duration
	DefaultProtocol string

	UserAgent string

	// Timeouts group.
	RequestTimeout time.Duration // router watchdog
	ProxyTimeout   time.Duration // upstream request budget
	AdminTimeout   time.Duration // admin operation watchdog

	// Cache group.
	CacheTTL time.Duration // resolver cache entry lifetime

	PprofAddr string
	WAFMode   string // "", "block", or "audit"
}

const (
	defaultPort            = 3000
	defaultDBFile          = "./data/tokens.json"
	defaultTokenLength     = 6
	defaultCleanupInterval = 24 * time.Hour
	defaultTokenExpiration = 30 * 24 * time.Hour
	defaultRequestTimeout  = 30 * time.Second
	defaultProxyTimeout    = 20 * time.Second
	defaultAdminTimeout    = 15 * time.Second
	defaultCacheTTL        = 30 * time.Second
	defaultUserAgent       = "Mozilla/5.0 (compatible; ProxyWarp/1.0; +https://proxywarp.com)"
)

const (
	// WAFModeBlock rejects matching requests with 403.
	WAFModeBlock = "block"
	// WAFModeAudit logs matches but lets requests through.
	WAFModeAudit = "audit"
)

// ParseFlags builds a Config from the environment and the given CLI
// arguments. Flags win over environment variables.
func ParseFlags(args []string) (Config, error) {
	cfg := Config{
		Port:            envIntOrDefault("PORT", defaultPort),
		BaseDomain:      envOrDefault("BASE_DOMAIN", ""),
		Debug:           envBool("DEBUG"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		DBFile:          envOrDefault("DB_FILE", defaultDBFile),
		TokenLength:     envIntOrDefault("TOKEN_LENGTH", defaultTokenLength),
		CleanupInterval: envMillisOrDefault("CLEANUP_INTERVAL_MS", defaultCleanupInterval),
		TokenExpiration: envMillisOrDefault("TOKEN_EXPIRATION_MS", defaultTokenExpiration),
		DefaultProtocol: envOrDefault("DEFAULT_PROTOCOL", "https"),
		UserAgent:       envOrDefault("USER_AGENT", defaultUserAgent),
		RequestTimeout:  envMillisOrDefault("REQUEST_TIMEOUT_MS", defaultRequestTimeout),
		ProxyTimeout:    envMillisOrDefault("PROXY_TIMEOUT_MS", defaultProxyTimeout),
		AdminTimeout:    envMillisOrDefault("ADMIN_TIMEOUT_MS", defaultAdminTimeout),
		CacheTTL:        envMillisOrDefault("CACHE_TTL_MS", defaultCacheTTL),
		PprofAddr:       envOrDefault("PPROF_ADDR", ""),
		WAFMode:         envOrDefault("WAF", ""),
	}

	fs := flag.NewFlagSet("proxywarp", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Base domain with wildcard DNS, e.g. proxywarp.com")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug mode (admin endpoints, error stacks)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.DBFile, "db", cfg.DBFile, "Token database file path")
	fs.IntVar(&cfg.TokenLength, "token-length", cfg.TokenLength, "Generated token length")
	fs.StringVar(&cfg.DefaultProtocol, "default-protocol", cfg.DefaultProtocol, "Protocol assumed for bare domains: http|https")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent sent to upstreams")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Optional pprof listen address (empty = disabled)")
	fs.StringVar(&cfg.WAFMode, "waf", cfg.WAFMode, "WAF mode: off|block|audit")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing -domain or BASE_DOMAIN")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}
	if cfg.TokenLength < 4 || cfg.TokenLength > 32 {
		return cfg, errors.New("token length must be between 4 and 32")
	}
	cfg.DefaultProtocol = strings.ToLower(strings.TrimSpace(cfg.DefaultProtocol))
	switch cfg.DefaultProtocol {
	case "http", "https":
	default:
		return cfg, errors.New("default protocol must be http or https")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}
	if cfg.TokenExpiration <= 0 {
		return cfg, errors.New("token expiration must be > 0")
	}
	if cfg.RequestTimeout <= 0 || cfg.ProxyTimeout <= 0 || cfg.AdminTimeout <= 0 {
		return cfg, errors.New("timeouts must be > 0")
	}
	if cfg.CacheTTL <= 0 {
		return cfg, errors.New("cache TTL must be > 0")
	}
	mode, err := normalizeWAFMode(cfg.WAFMode)
	if err != nil {
		return cfg, err
	}
	cfg.WAFMode = mode

	return cfg, nil
}

func normalizeWAFMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "off", "false", "none":
		return "", nil
	case "1", "true", "on", WAFModeBlock:
		return WAFModeBlock, nil
	case WAFModeAudit:
		return WAFModeAudit, nil
	default:
		return "", errors.New("waf mode must be one of: off, block, audit")
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMillisOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
