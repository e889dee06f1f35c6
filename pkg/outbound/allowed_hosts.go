// Package outbound implements the outbound-networking allow-list: parsing
// of allowed-host patterns, matching of destination URLs, and the
// private-network guard shared by the HTTP and database factors.
package outbound

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ServiceChainingDomain is the reserved host suffix used to route internal
// component-to-component calls. It must not be spoofable from outside.
const (
	ServiceChainingDomain       = "spin.internal"
	ServiceChainingDomainSuffix = ".spin.internal"
)

// AllowedHostConfig is one parsed allow-list entry: a scheme pattern, a host
// pattern and a port pattern. Entries never carry paths.
type AllowedHostConfig struct {
	original string
	scheme   schemeConfig
	host     hostConfig
	port     portConfig
}

// ParseAllowedHost parses one allowed-host pattern, e.g.
// "https://example.com", "*://*.example.com:8080", "postgres://db:5432",
// "http://10.0.0.0/8", "*://self".
func ParseAllowedHost(pattern string) (*AllowedHostConfig, error) {
	original := pattern
	url := strings.TrimSpace(pattern)

	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("%q does not contain a scheme (e.g. 'http://' or '*://')", url)
	}

	host, portPart := rest, ""
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		host, portPart = rest[:idx], rest[idx+1:]
	}
	if port, path, found := strings.Cut(portPart, "/"); found {
		if path != "" {
			return nil, fmt.Errorf("%q has a path but is not allowed to", url)
		}
		portPart = port
	}

	sc, err := parseScheme(scheme)
	if err != nil {
		return nil, err
	}
	hc, err := parseHost(host)
	if err != nil {
		return nil, err
	}
	pc, err := parsePort(portPart, scheme)
	if err != nil {
		return nil, err
	}

	return &AllowedHostConfig{original: original, scheme: sc, host: hc, port: pc}, nil
}

// Allows reports whether the destination URL matches this entry.
func (c *AllowedHostConfig) Allows(u *OutboundURL) bool {
	return c.scheme.allows(u.Scheme) && c.host.allows(u.Host) && c.port.allows(u.Port, u.Scheme)
}

// AllowsRelative reports whether this entry permits path-only (self)
// requests for any of the given schemes.
func (c *AllowedHostConfig) AllowsRelative(schemes []string) bool {
	if !c.host.allowsRelative() {
		return false
	}
	for _, s := range schemes {
		if c.scheme.allows(s) {
			return true
		}
	}
	return false
}

func (c *AllowedHostConfig) String() string { return c.original }

// schemeConfig matches a URL scheme.
type schemeConfig struct {
	any  bool
	list []string
}

func parseScheme(scheme string) (schemeConfig, error) {
	if scheme == "*" {
		return schemeConfig{any: true}, nil
	}
	for _, c := range scheme {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return schemeConfig{}, fmt.Errorf("scheme %q contains non-alphabetic character", scheme)
		}
	}
	return schemeConfig{list: []string{scheme}}, nil
}

func (s schemeConfig) allows(scheme string) bool {
	if s.any {
		return true
	}
	for _, candidate := range s.list {
		if candidate == scheme {
			return true
		}
	}
	return false
}

// hostConfig matches a destination host.
type hostConfig struct {
	kind         hostKind
	suffix       string // anySubdomain: ".example.com"
	list         []string
	cidr         netip.Prefix
}

type hostKind int

const (
	hostAny hostKind = iota
	hostAnySubdomain
	hostToSelf
	hostList
	hostCidr
)

func parseHost(host string) (hostConfig, error) {
	host = strings.TrimSpace(host)
	if host == "*" {
		return hostConfig{kind: hostAny}, nil
	}
	if host == "self" || host == "self.alt" {
		return hostConfig{kind: hostToSelf}, nil
	}

	if prefix, err := netip.ParsePrefix(host); err == nil {
		return hostConfig{kind: hostCidr, cidr: prefix}, nil
	}

	if _, path, found := strings.Cut(host, "/"); found && path != "" {
		return hostConfig{}, fmt.Errorf("hosts must not contain paths")
	}

	if domain, ok := strings.CutPrefix(host, "*."); ok {
		if strings.Contains(domain, "*") {
			return hostConfig{}, fmt.Errorf("invalid allowed host %q: wildcards are allowed only as prefixes", host)
		}
		return hostConfig{kind: hostAnySubdomain, suffix: "." + domain}, nil
	}
	if strings.Contains(host, "*") {
		return hostConfig{}, fmt.Errorf("invalid allowed host %q: wildcards are allowed only as subdomains", host)
	}

	host = strings.TrimSuffix(host, "/")
	return hostConfig{kind: hostList, list: []string{host}}, nil
}

func (h hostConfig) allows(host string) bool {
	switch h.kind {
	case hostAny:
		return true
	case hostAnySubdomain:
		return strings.HasSuffix(host, h.suffix)
	case hostToSelf:
		return false
	case hostList:
		for _, candidate := range h.list {
			if candidate == host {
				return true
			}
		}
		return false
	case hostCidr:
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return false
		}
		return h.cidr.Contains(addr)
	}
	return false
}

func (h hostConfig) allowsRelative() bool {
	return h.kind == hostAny || h.kind == hostToSelf
}

// portConfig matches a destination port.
type portConfig struct {
	any    bool
	single []uint16
	ranges [][2]uint16 // [start, end), as in the source grammar
}

func parsePort(port, scheme string) (portConfig, error) {
	if port == "" {
		p, ok := wellKnownPort(scheme)
		if !ok {
			return portConfig{}, fmt.Errorf("no port was provided and the scheme %q does not have a known default port number", scheme)
		}
		return portConfig{single: []uint16{p}}, nil
	}
	if port == "*" {
		return portConfig{any: true}, nil
	}
	if start, end, found := strings.Cut(port, ".."); found {
		s, err := strconv.ParseUint(start, 10, 16)
		if err != nil {
			return portConfig{}, fmt.Errorf("port range %q contains non-number", port)
		}
		e, err := strconv.ParseUint(end, 10, 16)
		if err != nil {
			return portConfig{}, fmt.Errorf("port range %q contains non-number", port)
		}
		return portConfig{ranges: [][2]uint16{{uint16(s), uint16(e)}}}, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return portConfig{}, fmt.Errorf("port %q is not a number", port)
	}
	return portConfig{single: []uint16{uint16(p)}}, nil
}

func (p portConfig) allows(port uint16, scheme string) bool {
	if p.any {
		return true
	}
	if port == 0 {
		wk, ok := wellKnownPort(scheme)
		if !ok {
			return false
		}
		port = wk
	}
	for _, candidate := range p.single {
		if candidate == port {
			return true
		}
	}
	for _, r := range p.ranges {
		if port >= r[0] && port < r[1] {
			return true
		}
	}
	return false
}

func wellKnownPort(scheme string) (uint16, bool) {
	switch scheme {
	case "http":
		return 80, true
	case "https":
		return 443, true
	case "postgres":
		return 5432, true
	case "mysql":
		return 3306, true
	case "redis":
		return 6379, true
	default:
		return 0, false
	}
}

// AllowedHosts is a component's full allow-list.
type AllowedHosts struct {
	entries  []*AllowedHostConfig
}

// ParseAllowedHosts parses every pattern; one bad pattern fails the list.
func ParseAllowedHosts(patterns []string) (*AllowedHosts, error) {
	entries := make([]*AllowedHostConfig, 0, len(patterns))
	for _, p := range patterns {
		entry, err := ParseAllowedHost(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_outbound_hosts entry %q: %w", p, err)
		}
		entries = append(entries, entry)
	}
	return &AllowedHosts{entries: entries}, nil
}

// Allows reports whether any entry permits the destination.
func (a *AllowedHosts) Allows(u *OutboundURL) bool {
	for _, e := range a.entries {
		if e.Allows(u) {
			return true
		}
	}
	return false
}

// AllowsRelative reports whether any entry permits path-only requests with
// one of the given schemes.
func (a *AllowedHosts) AllowsRelative(schemes []string) bool {
	for _, e := range a.entries {
		if e.AllowsRelative(schemes) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (a *AllowedHosts) Len() int { return len(a.entries) }
