package session

import (
	"net/url"
	"strings"
)

// CanonicalAddress turns a context pattern into an address that can be
// opened: patterns without a scheme get https.
func CanonicalAddress(pattern string) string {
	p := strings.TrimSpace(pattern)
	if strings.Contains(p, "://") {
		return p
	}
	return "https://" + p
}

// MatchAddress reports whether address satisfies pattern. A pattern is a
// host, optionally followed by a path prefix ("example.com/in/"). The host
// matches itself and any subdomain.
func MatchAddress(address, pattern string) bool {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return false
	}
	pu, err := url.Parse(CanonicalAddress(pattern))
	if err != nil || pu.Host == "" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	want := strings.ToLower(pu.Hostname())
	if host != want && !strings.HasSuffix(host, "."+want) {
		return false
	}
	if pu.Path == "" || pu.Path == "/" {
		return true
	}
	return strings.HasPrefix(u.Path, pu.Path)
}
