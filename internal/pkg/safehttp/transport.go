// Package safehttp hardens outbound HTTP: it legalizes caller-supplied
// headers and can refuse dials to private networks.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialFunc matches http.Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DenyPrivateDialer returns a dialer that rejects connections to private or
// loopback IP ranges to reduce SSRF risk.
func DenyPrivateDialer(timeout time.Duration) DialFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}

		if IsPrivateIP(ip) {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}

		return conn, nil
	}
}

// IsPrivateIP reports whether ip is loopback, private or link-local.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
