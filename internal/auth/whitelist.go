package auth

import (
	"fmt"
	"net"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CountryResolver maps a host to an ISO country code.
type CountryResolver interface {
	Country(host string) string
}

// Whitelist filters connecting hosts by address range and, optionally, by
// country. An empty whitelist allows every host.
type Whitelist struct {
	geo       CountryResolver
	countries map[uint64]struct{}
	nets      []*net.IPNet
}

// NewWhitelist builds a whitelist from CIDR ranges or plain addresses and ISO
// country codes. geo may be nil when countries is empty.
func NewWhitelist(entries, countries []string, geo CountryResolver) (*Whitelist, error) {
	w := &Whitelist{
		geo:       geo,
		countries: make(map[uint64]struct{}, len(countries)),
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("whitelist entry %q is not an address", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			w.nets = append(w.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", entry, err)
		}
		w.nets = append(w.nets, ipNet)
	}

	for _, code := range countries {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		w.countries[xxhash.Sum64String(code)] = struct{}{}
	}

	if len(w.countries) > 0 && geo == nil {
		return nil, fmt.Errorf("country whitelist requires a GeoIP database")
	}

	return w, nil
}

// Allowed reports whether host passes every configured filter.
func (w *Whitelist) Allowed(host string) bool {
	if w == nil {
		return true
	}

	if len(w.nets) > 0 {
		ip := net.ParseIP(host)
		if ip == nil || !w.containsIP(ip) {
			return false
		}
	}

	if len(w.countries) > 0 {
		code := w.geo.Country(host)
		if code == "" {
			return false
		}
		if _, ok := w.countries[xxhash.Sum64String(code)]; !ok {
			return false
		}
	}

	return true
}

func (w *Whitelist) containsIP(ip net.IP) bool {
	for _, n := range w.nets {
		if n.Contains(ip) {
			return true
		}
	}

	return false
}
