// Package clientip resolves the originating address of an HTTP request.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const unknown = "unknown"

// Resolver extracts the client address. Proxy headers are consulted only when
// TrustProxyHeaders is set and the socket peer is a trusted proxy. An empty
// TrustedProxies list trusts any peer, which fits a single load balancer that
// is the only route to the process.
//
// Order: cf-connecting-ip, x-real-ip, then the rightmost x-forwarded-for hop
// that is not itself a trusted proxy. Hops to the left of that are written by
// the client and are never used.
type Resolver struct {
	TrustProxyHeaders bool
	TrustedProxies    []netip.Prefix
}

// ParseTrustedProxies accepts addresses and CIDRs.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (r Resolver) Resolve(req *http.Request) string {
	peer := remoteIP(req.RemoteAddr)
	if !r.trusts(peer) {
		return peer
	}
	if ip := headerIP(req.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := headerIP(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := r.forwardedFor(req.Header.Values("X-Forwarded-For")); ip != "" {
		return ip
	}
	return peer
}

// TrustsPeer reports whether forwarding headers from this request's peer are honoured.
func (r Resolver) TrustsPeer(req *http.Request) bool {
	return r.trusts(remoteIP(req.RemoteAddr))
}

func (r Resolver) trusts(ip string) bool {
	if !r.TrustProxyHeaders {
		return false
	}
	if len(r.TrustedProxies) == 0 {
		return true
	}
	return r.isTrustedProxy(ip)
}

func (r Resolver) isTrustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedFor walks the hops right to left. With no proxy list only the
// rightmost hop, appended by our own proxy, is trusted.
func (r Resolver) forwardedFor(values []string) string {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := headerIP(hops[i])
		if ip == "" {
			return ""
		}
		if len(r.TrustedProxies) == 0 || !r.isTrustedProxy(ip) {
			return ip
		}
	}
	return ""
}

func headerIP(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func remoteIP(addr string) string {
	if addr == "" {
		return unknown
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return a.Unmap().String()
	}
	return host
}
