package waf

import "regexp"

// target specifies which parts of an HTTP request a rule inspects.
type target int

const (
	targetPath    target = 1 << iota // URL path
	targetQuery                      // raw + decoded query string
	targetHeaders                    // header values (minus exemptions)
	targetUA                         // User-Agent only
	targetURI                        // full RequestURI
)

type rule struct {
	name    string
	targets target
	pattern *regexp.Regexp
}

// defaultRules returns the built-in ruleset. Patterns compile at startup;
// a panic here is a programming error caught immediately.
func defaultRules() []rule {
	return []rule{
		{
			name:    "sql-injection",
			targets: targetPath | targetQuery,
			pattern: regexp.MustCompile(
				`(?i)(?:` +
					`union\s+(?:all\s+)?select` +
					`|;\s*(?:drop|delete|insert|update|alter)\s` +
					`|'\s*(?:or|and)\s+['"\d].*=` +
					`|'\s*;\s*--` +
					`|(?:benchmark|sleep|waitfor)\s*\(` +
					`|(?:load_file|into\s+outfile|into\s+dumpfile)\s*\(` +
					`)`,
			),
		},
		{
			name:    "path-traversal",
			targets: targetURI,
			pattern: regexp.MustCompile(
				`(?i)(?:` +
					`\.\./\.\./` +
					`|\.\.%2f` +
					`|%2e%2e%2f` +
					`|/etc/(?:passwd|shadow|hosts)\b` +
					`|/proc/self/` +
					`|\\windows\\system32` +
					`)`,
			),
		},
		{
			name:    "shell-injection",
			targets: targetQuery,
			pattern: regexp.MustCompile(
				`(?i)(?:` +
					"`[^`]*`" +
					`|\$\([^)]*\)` +
					`|;\s*(?:wget|curl|nc|bash|sh|python|perl)\s` +
					`|\|\s*(?:wget|curl|nc|bash|sh)\s` +
					`)`,
			),
		},
		{
			name:    "dotfile-probe",
			targets: targetPath,
			pattern: regexp.MustCompile(
				`(?i)(?:` +
					`/\.env\b` +
					`|/\.git(?:/|$)` +
					`|/\.aws/` +
					`|/\.ssh/` +
					`|/wp-(?:admin|login|config)` +
					`|/phpmyadmin` +
					`)`,
			),
		},
		{
			name:    "scanner-ua",
			targets: targetUA,
			pattern: regexp.MustCompile(
				`(?i)(?:sqlmap|nikto|nessus|acunetix|masscan|zgrab|dirbuster|gobuster|wpscan)`,
			),
		},
		{
			name:    "header-injection",
			targets: targetHeaders,
			pattern: regexp.MustCompile(`[\r\n]`),
		},
	}
}
