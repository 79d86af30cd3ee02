package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// checkSSRF rejects URLs that resolve to internal infrastructure:
// loopback, RFC1918 ranges, link-local (including cloud metadata
// endpoints), and unspecified addresses. Hostnames are resolved so a
// DNS name pointing at a private address is caught too.
func checkSSRF(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		lower == "metadata.google.internal" || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("blocked hostname: %s", host)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		ips = resolved
	}

	for _, ip := range ips {
		if isInternalIP(ip) {
			return fmt.Errorf("blocked address: %s resolves to %s", host, ip)
		}
	}
	return nil
}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
