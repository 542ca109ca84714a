// Package realip resolves the originating client address of a request.
// Forwarding headers are only believed when the connection comes from a
// configured trusted proxy.
package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

type contextKey struct{}

// Resolver extracts the client IP through a chain of trusted proxies.
type Resolver struct {
	trustedNets []*net.IPNet
	headers     []string // checked in order
	maxHops     int      // 0 = unlimited

	totalRequests atomic.Int64
	extracted     atomic.Int64 // resolved from a header rather than the peer address
}

// New creates a Resolver from trusted proxy CIDRs or bare IPs. With no
// trusted proxies every request resolves to its peer address.
func New(cidrs []string, headers []string, maxHops int) (*Resolver, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Resolver{
		trustedNets: nets,
		headers:     headers,
		maxHops:     maxHops,
	}, nil
}

// Extract determines the client IP of r. The X-Forwarded-For chain is
// walked right to left, skipping trusted proxies, and the first untrusted
// hop wins. Header values that are not IP addresses are ignored.
func (c *Resolver) Extract(r *http.Request) string {
	c.totalRequests.Add(1)

	remoteIP := extractHost(r.RemoteAddr)
	if !c.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range c.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		var ip string
		if strings.EqualFold(header, "X-Forwarded-For") {
			ip = c.walkXFF(val)
		} else {
			ip = strings.TrimSpace(val)
		}
		if net.ParseIP(ip) != nil {
			c.extracted.Add(1)
			return ip
		}
	}

	return remoteIP
}

// walkXFF returns the first hop from the right that is not a trusted proxy.
func (c *Resolver) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	hops := 0
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		hops++

		if c.maxHops > 0 && hops > c.maxHops {
			return ip
		}
		if !c.isTrusted(ip) {
			return ip
		}
	}

	// Every hop is a trusted proxy.
	return strings.TrimSpace(parts[0])
}

func (c *Resolver) isTrusted(ipStr string) bool {
	if len(c.trustedNets) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range c.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// WithIP returns a copy of ctx carrying the resolved client IP.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKey{}, ip)
}

// FromContext returns the client IP stored by WithIP, or "".
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// Stats is the resolver snapshot served by the admin API.
type Stats struct {
	TotalRequests int64    `json:"total_requests"`
	Extracted     int64    `json:"extracted"`
	TrustedCIDRs  int      `json:"trusted_cidrs"`
	Headers       []string `json:"headers"`
	MaxHops       int      `json:"max_hops"`
}

// Stats returns the current counters.
func (c *Resolver) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		Extracted:     c.extracted.Load(),
		TrustedCIDRs:  len(c.trustedNets),
		Headers:       c.headers,
		MaxHops:       c.maxHops,
	}
}

// extractHost strips the port from addr.
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
