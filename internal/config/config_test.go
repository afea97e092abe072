package config

import (
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"proxywarp.com":                "proxywarp.com",
		"https://proxywarp.com/path":   "proxywarp.com",
		"http://PROXYWARP.com:443/abc": "proxywarp.com",
		"  sub.proxywarp.com.  ":       "sub.proxywarp.com",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := ParseFlags([]string{"-domain", "proxywarp.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.DBFile != "./data/tokens.json" {
		t.Fatalf("unexpected db file %q", cfg.DBFile)
	}
	if cfg.TokenLength != 6 {
		t.Fatalf("expected token length 6, got %d", cfg.TokenLength)
	}
	if cfg.TokenExpiration != 30*24*time.Hour {
		t.Fatalf("unexpected token expiration %v", cfg.TokenExpiration)
	}
	if cfg.CleanupInterval != 24*time.Hour {
		t.Fatalf("unexpected cleanup interval %v", cfg.CleanupInterval)
	}
	if cfg.DefaultProtocol != "https" {
		t.Fatalf("unexpected default protocol %q", cfg.DefaultProtocol)
	}
	if cfg.RequestTimeout != 30*time.Second || cfg.ProxyTimeout != 20*time.Second {
		t.Fatalf("unexpected timeouts %v / %v", cfg.RequestTimeout, cfg.ProxyTimeout)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected cache ttl %v", cfg.CacheTTL)
	}
	if cfg.WAFMode != "" {
		t.Fatalf("expected waf off by default, got %q", cfg.WAFMode)
	}
}

func TestParseFlagsEnv(t *testing.T) {
	t.Setenv("BASE_DOMAIN", "env.proxywarp.com")
	t.Setenv("PORT", "8080")
	t.Setenv("TOKEN_EXPIRATION_MS", "60000")
	t.Setenv("DEBUG", "true")
	t.Setenv("WAF", "audit")

	cfg, err := ParseFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "env.proxywarp.com" {
		t.Fatalf("unexpected base domain %q", cfg.BaseDomain)
	}
	if cfg.Port != 8080 {
		t.Fatalf("unexpected port %d", cfg.Port)
	}
	if cfg.TokenExpiration != time.Minute {
		t.Fatalf("unexpected expiration %v", cfg.TokenExpiration)
	}
	if !cfg.Debug {
		t.Fatal("expected debug enabled")
	}
	if cfg.WAFMode != WAFModeAudit {
		t.Fatalf("unexpected waf mode %q", cfg.WAFMode)
	}
}

func TestParseFlagsFlagOverridesEnv(t *testing.T) {
	t.Setenv("BASE_DOMAIN", "env.proxywarp.com")

	cfg, err := ParseFlags([]string{"-domain", "flag.proxywarp.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "flag.proxywarp.com" {
		t.Fatalf("flag should win over env, got %q", cfg.BaseDomain)
	}
}

func TestParseFlagsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing domain", args: nil},
		{name: "bad protocol", args: []string{"-domain", "proxywarp.com", "-default-protocol", "gopher"}},
		{name: "bad port", args: []string{"-domain", "proxywarp.com", "-port", "70000"}},
		{name: "token length too small", args: []string{"-domain", "proxywarp.com", "-token-length", "2"}},
		{name: "bad waf mode", args: []string{"-domain", "proxywarp.com", "-waf", "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFlags(tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNormalizeWAFMode(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":      "",
		"0":     "",
		"off":   "",
		"1":     WAFModeBlock,
		"true":  WAFModeBlock,
		"block": WAFModeBlock,
		"audit": WAFModeAudit,
	}
	for in, want := range tests {
		got, err := normalizeWAFMode(in)
		if err != nil {
			t.Fatalf("normalizeWAFMode(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("normalizeWAFMode(%q): got %q, want %q", in, got, want)
		}
	}
}
