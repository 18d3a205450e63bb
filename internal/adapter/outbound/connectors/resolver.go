// Package connectors implements the outbound tool connectors: mock,
// templated HTTP and webhook, with SSRF hardening on every network
// call.
package connectors

import (
	"context"
	"net"
	"sort"
	"strings"
)

// Resolver is the DNS lookup used for URL validation. Swappable in
// tests to simulate rebinding.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type netResolver struct {
	r *net.Resolver
}

// NewResolver returns a Resolver backed by the system resolver.
func NewResolver() Resolver {
	return &netResolver{r: net.DefaultResolver}
}

func (n *netResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := n.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

var broadcastV4 = net.IPv4(255, 255, 255, 255)

// ipBlocked reports whether dialing ip would reach an internal or
// otherwise forbidden network. Private covers RFC1918 and IPv6 ULA.
func ipBlocked(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsPrivate(),
		ip.IsUnspecified(),
		ip.Equal(broadcastV4):
		return true
	}
	return false
}

// ipSetKey canonicalises a resolved IP set so two resolutions can be
// compared for drift regardless of record order.
func ipSetKey(ips []net.IP) string {
	ss := make([]string, 0, len(ips))
	for _, ip := range ips {
		ss = append(ss, ip.String())
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}
