package rewrite

import (
	"strings"
	"testing"

	"github.com/Synapsr/ProxyWarp/internal/domain"
)

var testTarget = domain.TargetInfo{
	Token:    "abc123",
	Domain:   "example.com",
	Protocol: domain.ProtocolHTTPS,
}

const testBase = "proxywarp.com"

func TestProxyURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"", "https://abc123.proxywarp.com"},
		{"/", "https://abc123.proxywarp.com/"},
		{"/a/b?c=1", "https://abc123.proxywarp.com/a/b?c=1"},
		{"a/b", "https://abc123.proxywarp.com/a/b"},
	}
	for _, tt := range tests {
		if got := ProxyURL("abc123", testBase, tt.path); got != tt.want {
			t.Fatalf("ProxyURL(%q): got %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRewriteFullDocument(t *testing.T) {
	t.Parallel()

	rw := New(testBase)
	in := `<html><head></head><body><a href="/a">x</a><a href="https://example.com/b">y</a><form action="/c"></form></body></html>`
	out := rw.Rewrite(in, testTarget)

	for _, want := range []string{
		`<head>` + "\n" + `<base href="https://abc123.proxywarp.com/">` + "\n" + `</head>`,
		`<a href="https://abc123.proxywarp.com/a">x</a>`,
		`<a href="https://abc123.proxywarp.com/b">y</a>`,
		`<form action="https://abc123.proxywarp.com/c">`,
		`data-proxywarp-injected="true"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rewritten document missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "</script>\n</body>") {
		t.Fatalf("script not injected before </body>:\n%s", out)
	}
}

func TestRewriteClosure(t *testing.T) {
	t.Parallel()

	rw := New(testBase)
	in := `<html><head></head><body>` +
		`<a href="/a">x</a>` +
		`<a href="https://example.com/b?q=1">y</a>` +
		`<img src="//www.example.com/i.png">` +
		`<form action="https://www.example.com/submit"></form>` +
		`</body></html>`

	once := rw.Rewrite(in, testTarget)
	twice := rw.Rewrite(once, testTarget)
	if once != twice {
		t.Fatalf("rewrite is not idempotent:\n--- once ---\n%s\n--- twice ---\n%s", once, twice)
	}
}

func TestRewriteAbsoluteURLs(t *testing.T) {
	t.Parallel()

	rw := New(testBase)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "scheme-full",
			in:   `<a href="https://example.com/x">`,
			want: `<a href="https://abc123.proxywarp.com/x">`,
		},
		{
			name: "www variant",
			in:   `<a href="https://www.example.com/x">`,
			want: `<a href="https://abc123.proxywarp.com/x">`,
		},
		{
			name: "protocol relative src",
			in:   `<img src="//example.com/i.png">`,
			want: `<img src="https://abc123.proxywarp.com/i.png">`,
		},
		{
			name: "query survives",
			in:   `<a href="https://example.com/x?a=1&b=2">`,
			want: `<a href="https://abc123.proxywarp.com/x?a=1&b=2">`,
		},
		{
			name: "other origin untouched",
			in:   `<a href="https://other.com/x">`,
			want: `<a href="https://other.com/x">`,
		},
		{
			name: "single quotes",
			in:   `<a href='https://example.com/x'>`,
			want: `<a href="https://abc123.proxywarp.com/x">`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rw.rewriteAbsoluteURLs(tt.in, testTarget); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewriteAbsolutePaths(t *testing.T) {
	t.Parallel()

	rw := New(testBase)
	in := `<a href="/about">about</a> <script src="/js/app.js"></script>`
	got := rw.rewriteAbsolutePaths(in, testTarget)
	want := `<a href="https://abc123.proxywarp.com/about">about</a> <script src="https://abc123.proxywarp.com/js/app.js"></script>`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// Already-proxied URLs must not match the absolute-path rule.
	if again := rw.rewriteAbsolutePaths(got, testTarget); again != got {
		t.Fatalf("absolute-path rule not idempotent: %q", again)
	}
}

func TestRewriteFormActions(t *testing.T) {
	t.Parallel()

	rw := New(testBase)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "absolute path",
			in:   `<form method="post" action="/login">`,
			want: `<form method="post" action="https://abc123.proxywarp.com/login">`,
		},
		{
			name: "same origin absolute",
			in:   `<form action="https://example.com/search?x=1">`,
			want: `<form action="https://abc123.proxywarp.com/search?x=1">`,
		},
		{
			name: "www origin absolute",
			in:   `<form action="http://www.example.com/go">`,
			want: `<form action="https://abc123.proxywarp.com/go">`,
		},
		{
			name: "foreign origin kept",
			in:   `<form action="https://pay.stripe.com/checkout">`,
			want: `<form action="https://pay.stripe.com/checkout">`,
		},
		{
			name: "already proxied kept",
			in:   `<form action="https://abc123.proxywarp.com/c">`,
			want: `<form action="https://abc123.proxywarp.com/c">`,
		},
		{
			name: "relative kept",
			in:   `<form action="search.php">`,
			want: `<form action="search.php">`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rw.rewriteFormActions(tt.in, testTarget); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInjectBaseTag(t *testing.T) {
	t.Parallel()

	rw := New(testBase)

	in := `<html><head><title>t</title></head></html>`
	out := rw.injectBaseTag(in, testTarget)
	want := `<html><head>` + "\n" + `<base href="https://abc123.proxywarp.com/">` + "\n" + `<title>t</title></head></html>`
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}

	// Existing base tag wins.
	existing := `<html><head><base href="https://example.com/"></head></html>`
	if out := rw.injectBaseTag(existing, testTarget); out != existing {
		t.Fatalf("existing base tag must be preserved: %q", out)
	}

	// Attribute-carrying head tag.
	attr := `<head lang="en">`
	if out := rw.injectBaseTag(attr, testTarget); !strings.Contains(out, `<head lang="en">`+"\n"+`<base `) {
		t.Fatalf("base not inserted after attributed head: %q", out)
	}
}

func TestInjectClientScript(t *testing.T) {
	t.Parallel()

	rw := New(testBase)

	in := `<html><body>content</body></html>`
	out := rw.injectClientScript(in, testTarget)
	if !strings.Contains(out, `<script data-proxywarp-injected="true">`) {
		t.Fatal("script block missing")
	}
	if !strings.HasSuffix(out, "</script>\n</body></html>") {
		t.Fatalf("script must sit before </body>: %q", out[len(out)-80:])
	}
	if n := strings.Count(rw.injectClientScript(out, testTarget), "data-proxywarp-injected"); n != 1 {
		t.Fatalf("script injected %d times", n)
	}

	// No body close tag: append at end.
	fragment := `<p>fragment`
	out = rw.injectClientScript(fragment, testTarget)
	if !strings.HasPrefix(out, fragment) || !strings.HasSuffix(out, "</script>") {
		t.Fatalf("fragment injection wrong: %q", out)
	}
}

func TestBuildScriptParametrisation(t *testing.T) {
	t.Parallel()

	script := BuildScript("abc123", "proxywarp.com", "example.com")
	for _, want := range []string{
		`var TOKEN = "abc123";`,
		`var BASE_DOMAIN = "proxywarp.com";`,
		`var UPSTREAM = "example.com";`,
		"history.pushState",
		"MutationObserver",
		"XMLHttpRequest.prototype.open",
		"window.fetch",
		`addEventListener("click"`,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q", want)
		}
	}
	if strings.Contains(script, "__TOKEN__") {
		t.Fatal("unreplaced placeholder in script")
	}
}
