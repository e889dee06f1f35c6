package outbound

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// OutboundURL is the scheme/host/port triple extracted from a destination
// address; paths play no part in allow-list checks.
type OutboundURL struct {
	Scheme string
	Host   string
	// Port is 0 when the URL does not carry an explicit port; matching then
	// falls back to the scheme's well-known port.
	Port uint16
}

// ParseOutboundURL parses a destination. Addresses without a scheme (as
// database factors pass, e.g. "db.example.com:5432") can be parsed by
// supplying a default scheme via ParseOutboundURLWithScheme.
func ParseOutboundURL(raw string) (*OutboundURL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid outbound url %q", raw)
	}

	host := u.Hostname()
	// Strip IPv6 brackets already handled by Hostname; lowercase for match.
	host = strings.ToLower(host)

	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in outbound url %q", raw)
		}
		port = uint16(n)
	}

	return &OutboundURL{Scheme: strings.ToLower(u.Scheme), Host: host, Port: port}, nil
}

// ParseOutboundURLWithScheme parses a destination, prepending the scheme
// when the raw address has none.
func ParseOutboundURLWithScheme(raw, scheme string) (*OutboundURL, error) {
	if parsed, err := ParseOutboundURL(raw); err == nil {
		return parsed, nil
	}
	return ParseOutboundURL(scheme + "://" + raw)
}

// IsRelative reports whether the raw destination is path-only (a
// self-request that must be resolved against the self-request origin).
func IsRelative(raw string) bool {
	return strings.HasPrefix(raw, "/")
}

// ServiceChainingTarget extracts the component name from a service-chaining
// host ("<component>.spin.internal"). It returns "" when the host is not a
// chaining destination.
func ServiceChainingTarget(host string) string {
	h := strings.ToLower(host)
	if idx := strings.LastIndex(h, ":"); idx >= 0 {
		h = h[:idx]
	}
	target, ok := strings.CutSuffix(h, ServiceChainingDomainSuffix)
	if !ok || target == "" {
		return ""
	}
	return target
}
