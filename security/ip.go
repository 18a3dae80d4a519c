package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from the request. X-Forwarded-For
// and X-Real-IP are only consulted when trustProxy is set; otherwise the
// connection's remote address wins, since forwarded headers are trivially
// spoofed by direct callers.
//
// trustedProxyCount is the number of proxies under our control counted from
// the right of X-Forwarded-For; zero means one trusted proxy.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client entry out of an X-Forwarded-For list,
// skipping the trailing trusted proxies.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	candidate := strings.TrimSpace(ips[clientIndex])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}
