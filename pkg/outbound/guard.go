package outbound

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// BlockedNetworks rejects destinations that resolve to loopback, RFC1918 or
// link-local ranges unless private addresses are explicitly permitted for
// the instance.
type BlockedNetworks struct {
	// AllowPrivate disables the guard.
	AllowPrivate bool

	// Resolver resolves hostnames; nil uses the system resolver.
	Resolver *net.Resolver
}

// CheckAddr returns an error when addr is in a blocked range.
func (b BlockedNetworks) CheckAddr(addr netip.Addr) error {
	if b.AllowPrivate {
		return nil
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return fmt.Errorf("destination %s is in a private network range", addr)
	}
	return nil
}

// CheckHost resolves host and returns an error when any resolved address is
// in a blocked range. Literal IP hosts are checked without resolution.
func (b BlockedNetworks) CheckHost(ctx context.Context, host string) error {
	if b.AllowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return b.CheckAddr(addr)
	}

	resolver := b.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	for _, addr := range addrs {
		if err := b.CheckAddr(addr.Unmap()); err != nil {
			return err
		}
	}
	return nil
}
