// Package payments – provider network allowlist and client address
// resolution for the webhook endpoint.
//
// Webhook requests are authenticated by source address only (the provider
// signs nothing), so two rules matter:
//  1. the resolved client address must fall inside the provider's published
//     network ranges;
//  2. forwarded-address headers are honored only when the immediate peer is
//     itself a trusted proxy — otherwise the peer address is used as-is,
//     which blocks header spoofing from arbitrary hosts.
package payments

import (
	"net/netip"
	"strings"
)

// providerNetworks are the provider's published notification source ranges.
var providerNetworks = mustPrefixes(
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
)

// defaultTrustedProxies are private/loopback ranges whose forwarded headers
// are believed. Extra ranges can be added from config.
var defaultTrustedProxies = mustPrefixes(
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

func addrInAny(addr netip.Addr, nets []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// IsProviderAddr reports whether the ip string belongs to the provider's
// published notification ranges.
func IsProviderAddr(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	return addrInAny(addr, providerNetworks)
}

// IsTrustedProxy reports whether the peer ip may forward a client address.
// extraCIDRs extends the built-in private/loopback set; invalid entries are
// skipped.
func IsTrustedProxy(ip string, extraCIDRs []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	if addrInAny(addr, defaultTrustedProxies) {
		return true
	}
	for _, c := range extraCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			continue
		}
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// ResolveClientAddr returns the address used for allowlist validation:
//   - the peer itself when it is already a provider address;
//   - X-Real-IP, else the first X-Forwarded-For hop, when the peer is a
//     trusted proxy;
//   - the peer address otherwise (forwarded headers from untrusted peers
//     are ignored).
func ResolveClientAddr(peer, xRealIP, xForwardedFor string, extraTrusted []string) string {
	peer = strings.TrimSpace(peer)
	if IsProviderAddr(peer) {
		return peer
	}
	if !IsTrustedProxy(peer, extraTrusted) {
		return peer
	}
	if v := strings.TrimSpace(xRealIP); v != "" {
		return v
	}
	if xForwardedFor != "" {
		first := strings.TrimSpace(strings.SplitN(xForwardedFor, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	return peer
}
