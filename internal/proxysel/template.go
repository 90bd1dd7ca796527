package proxysel

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
)

const randomAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ExpandUsernameTemplate substitutes a proxy provider's username template
// tokens (spec §3/§4.B): {COUNTRY} (uppercase), {country} (lowercase),
// {random:N} (N fresh random alphanumeric characters), and {session:N} (an
// N-character session identifier, fresh per call the same as {random:N} —
// providers differ only in the token name they document for "a sticky
// session string", not in how the value is generated here).
func ExpandUsernameTemplate(tmpl, country string) string {
	out := tmpl
	out = strings.ReplaceAll(out, "{COUNTRY}", strings.ToUpper(country))
	out = strings.ReplaceAll(out, "{country}", strings.ToLower(country))
	out = expandSized(out, "{random:", randomString)
	out = expandSized(out, "{session:", randomString)
	return out
}

// expandSized replaces every occurrence of prefix+"N}" with gen(N).
func expandSized(s, prefix string, gen func(n int) string) string {
	for {
		start := strings.Index(s, prefix)
		if start < 0 {
			return s
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			return s
		}
		end += start
		nStr := s[start+len(prefix) : end]
		n, err := strconv.Atoi(nStr)
		if err != nil || n <= 0 {
			// Malformed token: drop it rather than loop forever on it.
			s = s[:start] + s[end+1:]
			continue
		}
		s = s[:start] + gen(n) + s[end+1:]
	}
}

func randomString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(randomAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			b[i] = randomAlphabet[0]
			continue
		}
		b[i] = randomAlphabet[idx.Int64()]
	}
	return string(b)
}
