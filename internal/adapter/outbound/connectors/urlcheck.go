package connectors

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/aegis-gate/aegisgate/internal/domain/connector"
)

// checkedURL is the result of a successful validation, carrying the
// resolved IP set so dispatch can pin to it and detect drift.
type checkedURL struct {
	url  *url.URL
	host string
	port string
	ips  []net.IP
}

// validateURL applies the shared SSRF gate:
// scheme must be http or https; the host must match the per-tool or
// global domain allowlist (exact or dot-delimited subdomain, never a
// bare suffix); and every resolved address must be publicly routable.
func (e *Executor) validateURL(ctx context.Context, rawURL string, toolDomains []string) (*checkedURL, *connector.Error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &connector.Error{Code: connector.CodeSSRFBlocked, Message: "unparseable URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &connector.Error{
			Code:    connector.CodeSSRFBlocked,
			Message: fmt.Sprintf("scheme %q not permitted", u.Scheme),
		}
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, &connector.Error{Code: connector.CodeSSRFBlocked, Message: "empty host"}
	}

	allowed := append(append([]string{}, toolDomains...), e.globalAllowed...)
	if len(allowed) == 0 {
		return nil, &connector.Error{
			Code:    connector.CodeDomainNotAllowed,
			Message: "no domain allowlist configured",
		}
	}
	if !domainAllowed(host, allowed) {
		return nil, &connector.Error{
			Code:    connector.CodeDomainNotAllowed,
			Message: fmt.Sprintf("host %q not in allowlist", host),
		}
	}

	ips, err := e.resolveChecked(ctx, host)
	if err != nil {
		return nil, &connector.Error{Code: connector.CodeSSRFBlocked, Message: err.Error()}
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return &checkedURL{url: u, host: host, port: port, ips: ips}, nil
}

// resolveChecked looks up host and rejects the whole set if any address
// is blocked. A literal IP short-circuits DNS.
func (e *Executor) resolveChecked(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !e.allowPrivate && ipBlocked(ip) {
			return nil, fmt.Errorf("address %s is not publicly routable", ip)
		}
		return []net.IP{ip}, nil
	}
	ips, err := e.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, ip := range ips {
		if !e.allowPrivate && ipBlocked(ip) {
			return nil, fmt.Errorf("address %s is not publicly routable", ip)
		}
	}
	return ips, nil
}

// recheckDrift re-resolves immediately before dispatch and fails when
// the answer set changed since validation (anti-rebinding).
func (e *Executor) recheckDrift(ctx context.Context, c *checkedURL) *connector.Error {
	ips, err := e.resolveChecked(ctx, c.host)
	if err != nil {
		return &connector.Error{Code: connector.CodeSSRFDNSDrift, Message: err.Error()}
	}
	if ipSetKey(ips) != ipSetKey(c.ips) {
		return &connector.Error{
			Code:    connector.CodeSSRFDNSDrift,
			Message: fmt.Sprintf("DNS answer for %s changed between validation and dispatch", c.host),
		}
	}
	return nil
}

// domainAllowed matches host against the allowlist: exact, or a
// dot-delimited subdomain. A plain suffix match is deliberately not
// enough ("evilexample.com" must not match "example.com").
func domainAllowed(host string, allowed []string) bool {
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(entry), "."))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
