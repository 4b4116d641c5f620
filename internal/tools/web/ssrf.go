// Package web provides shared SSRF and domain-allowlist checks for
// tools that make outbound HTTP requests.
package web

import (
	"fmt"
	"net"
	"strings"
)

// CheckSSRF resolves the host and rejects it when any resolved address
// falls in a private, loopback, link-local, or unspecified range. Every
// address is checked because multi-homed hosts can mix public and
// internal records.
func CheckSSRF(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}

	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("SSRF blocked: host %q resolves to private IP %s", host, ip)
		}
	}

	return nil
}

// IsPrivateIP reports whether the address must never be fetched: RFC 1918
// and ULA ranges, loopback, link-local (including 169.254.0.0/16 metadata
// endpoints), and the unspecified address.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// IsDomainAllowed checks the host against the allowlist, ignoring case.
// An empty allowlist permits any host; SSRF checks still apply independently.
// Matching is exact: subdomains must be listed explicitly.
func IsDomainAllowed(host string, allowedDomains []string) bool {
	if len(allowedDomains) == 0 {
		return true
	}
	for _, d := range allowedDomains {
		if strings.EqualFold(d, host) {
			return true
		}
	}
	return false
}
