// Package hostname resolves the routing label carried in a public request's
// Host header, accounting for an optional base subdomain the server itself
// runs under.
package hostname

import (
	"errors"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	// ErrInvalidHostname is returned when the Host header is absent, empty,
	// or not a value a routing label can be derived from.
	ErrInvalidHostname = errors.New("invalid hostname")

	// ErrInvalidSubdomain is returned when the Host header resolves to a
	// bare registrable domain (or base subdomain) with no client label left.
	ErrInvalidSubdomain = errors.New("invalid subdomain")
)

// localSuffix is treated as a synthetic public suffix so that development
// hosts like "alice.localhost" resolve the same way a real domain would.
const localSuffix = "localhost"

// Resolve extracts the routing label from host (the raw Host header value),
// stripping a trailing ".<baseSubdomain>" suffix when baseSubdomain is
// non-empty. The result is lowercase.
func Resolve(host, baseSubdomain string) (string, error) {
	if host == "" {
		return "", ErrInvalidHostname
	}

	hostOnly := stripPort(host)
	if hostOnly == "" {
		return "", ErrInvalidHostname
	}

	registrable, err := registrableDomain(hostOnly)
	if err != nil {
		return "", ErrInvalidHostname
	}

	prefix := strings.ToLower(hostOnly)
	registrable = strings.ToLower(registrable)

	switch {
	case prefix == registrable:
		prefix = ""
	case strings.HasSuffix(prefix, "."+registrable):
		prefix = strings.TrimSuffix(prefix, "."+registrable)
	default:
		// Host didn't actually carry the registrable suffix (shouldn't
		// happen given how registrable was derived, but fail closed).
		return "", ErrInvalidHostname
	}

	if prefix == "" {
		return "", ErrInvalidSubdomain
	}

	if baseSubdomain != "" {
		base := strings.ToLower(baseSubdomain)
		switch {
		case prefix == base:
			prefix = ""
		case strings.HasSuffix(prefix, "."+base):
			prefix = strings.TrimSuffix(prefix, "."+base)
		}
	}

	if prefix == "" {
		return "", ErrInvalidSubdomain
	}

	return prefix, nil
}

// stripPort removes a trailing ":port" from a Host header value, leaving
// IPv6 literals (which may contain multiple colons) untouched.
func stripPort(host string) string {
	if strings.Count(host, ":") != 1 {
		return host
	}
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

// registrableDomain returns the effective top-level-domain-plus-one for
// host, treating "localhost" as a synthetic public suffix for local
// development hosts that the real public suffix list doesn't know about.
func registrableDomain(host string) (string, error) {
	lower := strings.ToLower(host)
	if lower == localSuffix || strings.HasSuffix(lower, "."+localSuffix) {
		return localSuffix, nil
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(lower)
	if err != nil {
		return "", err
	}
	return domain, nil
}
