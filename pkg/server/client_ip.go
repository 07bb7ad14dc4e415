package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// clientIP resolves the originating client address for rate-limit keying.
// Forwarded headers are only honored when the direct peer is a trusted
// proxy; otherwise a client could spoof its way past per-address limits.
func clientIP(r *http.Request, trusted *proxyMatcher) string {
	remoteIP := remoteIPFromRequest(r)
	if remoteIP == nil {
		return ""
	}
	if !trusted.IsTrusted(remoteIP) {
		return remoteIP.String()
	}

	forwarded := parseForwardedFor(r.Header.Get("Forwarded"))
	if len(forwarded) == 0 {
		forwarded = parseXForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(forwarded) == 0 {
		return remoteIP.String()
	}

	// Walk right to left: the first hop not operated by us is the client.
	for i := len(forwarded) - 1; i >= 0; i-- {
		if !trusted.IsTrusted(forwarded[i]) {
			return forwarded[i].String()
		}
	}
	return forwarded[0].String()
}

func remoteIPFromRequest(r *http.Request) net.IP {
	if r == nil {
		return nil
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}

// parseForwardedFor extracts for= addresses from an RFC 7239 Forwarded header.
func parseForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}

	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		for _, param := range strings.Split(strings.TrimSpace(part), ";") {
			kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
			if len(kv) != 2 || !strings.EqualFold(strings.TrimSpace(kv[0]), "for") {
				continue
			}
			if ip := parseForwardedIP(kv[1]); ip != nil {
				out = append(out, ip)
			}
		}
	}
	return out
}

func parseXForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}

	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		if ip := parseForwardedIP(part); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func parseForwardedIP(value string) net.IP {
	value = strings.Trim(strings.TrimSpace(value), "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return nil
	}

	host := value
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			host = host[1:end]
		}
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.Count(host, ":") > 1 {
		host = strings.Trim(host, "[]")
	}

	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}

// proxyMatcher answers whether an address belongs to a configured trusted
// reverse proxy. A nil matcher trusts nothing.
type proxyMatcher struct {
	ips  map[string]struct{}
	nets []*net.IPNet
}

func newProxyMatcher(entries []string, logger *slog.Logger) *proxyMatcher {
	if len(entries) == 0 {
		return nil
	}

	ips := make(map[string]struct{})
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				if logger != nil {
					logger.Warn("invalid trusted proxy CIDR", "entry", entry, "error", err)
				}
				continue
			}
			nets = append(nets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			if logger != nil {
				logger.Warn("invalid trusted proxy IP", "entry", entry)
			}
			continue
		}
		ips[ip.String()] = struct{}{}
	}

	if len(ips) == 0 && len(nets) == 0 {
		return nil
	}
	return &proxyMatcher{ips: ips, nets: nets}
}

func (m *proxyMatcher) IsTrusted(ip net.IP) bool {
	if m == nil || ip == nil {
		return false
	}
	if _, ok := m.ips[ip.String()]; ok {
		return true
	}
	for _, network := range m.nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
