package defense

import (
	"fmt"
	"net/netip"
	"strings"
)

// Blacklist matches addresses against fixed IPs and CIDR ranges.
type Blacklist struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// ParseBlacklist accepts entries like "203.0.113.7" or "198.51.100.0/24".
func ParseBlacklist(entries []string) (*Blacklist, error) {
	b := &Blacklist{addrs: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("blacklist entry %q: %w", raw, err)
			}
			b.prefixes = append(b.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("blacklist entry %q: %w", raw, err)
		}
		b.addrs[a.Unmap()] = struct{}{}
	}
	return b, nil
}

// Contains reports whether ip is listed. Unparseable input never matches.
func (b *Blacklist) Contains(ip string) bool {
	if b == nil {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	if _, ok := b.addrs[a]; ok {
		return true
	}
	for _, p := range b.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
