package geoip

import (
	"net"
	"net/netip"
	"strings"
)

// Resolver turns a raw client address into a country fallback place.
// A nil Store disables range lookups; the resolver then only answers for
// addresses it cannot map, which is to say never.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// PlaceFor resolves a client address (optionally host:port) to a country
// centroid. Private, loopback, and unmapped addresses yield no place.
func (r *Resolver) PlaceFor(clientAddr string) (Place, bool) {
	if r == nil || r.store == nil {
		return Place{}, false
	}
	addr, ok := parseClientAddr(clientAddr)
	if !ok || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() {
		return Place{}, false
	}
	code, ok := r.store.Country(addr)
	if !ok {
		return Place{}, false
	}
	return Centroid(code)
}

func parseClientAddr(clientAddr string) (netip.Addr, bool) {
	clientAddr = strings.TrimSpace(clientAddr)
	if clientAddr == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(clientAddr); err == nil {
		clientAddr = host
	}
	addr, err := netip.ParseAddr(clientAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}
