package common

import (
	"net"
	"net/http"
	"strings"
)

// ipHeaders are consulted in order before falling back to the transport-level
// remote address. The proxy headers match what upstream reverse proxies populate.
var ipHeaders = []string{"X-Forwarded-For", "Proxy-Client-IP", "WL-Proxy-Client-IP"}

// ClientIP determines the originating client address for gateway payloads.
// X-Forwarded-For may carry a comma-separated chain; only the first entry is
// the client. IPv6 loopback is normalized to 127.0.0.1 because some payment
// gateways reject IPv6 literals. Extraction never fails: anything unusable
// yields 127.0.0.1.
func ClientIP(headers http.Header, remoteAddr string) string {
	if headers != nil {
		for _, name := range ipHeaders {
			value := strings.TrimSpace(headers.Get(name))
			if value == "" {
				continue
			}
			if first, _, found := strings.Cut(value, ","); found {
				value = strings.TrimSpace(first)
			}
			if value != "" {
				return normalizeLoopback(value)
			}
		}
	}
	addr := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return "127.0.0.1"
	}
	return normalizeLoopback(addr)
}

func normalizeLoopback(addr string) string {
	switch addr {
	case "::1", "0:0:0:0:0:0:0:1":
		return "127.0.0.1"
	}
	return addr
}
