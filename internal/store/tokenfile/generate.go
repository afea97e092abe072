package tokenfile

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateTokenLocked draws a fresh token not present in byToken. After ten
// collisions in a row it appends the last four base-36 digits of the wall
// clock in milliseconds, which breaks the collision deterministically.
// Callers hold s.mu.
func (s *Store) generateTokenLocked() string {
	for attempt := 0; attempt < 10; attempt++ {
		token := randomToken(s.cfg.TokenLength)
		if _, exists := s.byToken[token]; !exists {
			return token
		}
	}
	suffix := strconv.FormatInt(time.Now().UnixMilli(), 36)
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return randomToken(s.cfg.TokenLength) + suffix
}

// randomToken maps n cryptographically random bytes onto the base-36
// alphabet. The mod-36 mapping carries a slight bias; tokens are opaque
// identifiers, not secrets, so uniqueness is what matters here.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform randomness source is
		// broken; fall back to a wall-clock-derived suffix rather than
		// refusing the allocation.
		t := strconv.FormatInt(time.Now().UnixNano(), 36)
		for len(t) < n {
			t += t
		}
		return strings.ToLower(t[:n])
	}
	var b strings.Builder
	b.Grow(n)
	for _, c := range buf {
		b.WriteByte(tokenAlphabet[int(c)%len(tokenAlphabet)])
	}
	return b.String()
}
