// Package geo derives best-effort client locations.
package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"strings"

	"github.com/unklstewy/securelinks/internal/models"
)

// Country and city headers set by common CDNs and edge proxies, in lookup order.
var (
	countryHeaders = []string{"CF-IPCountry", "CloudFront-Viewer-Country", "X-Country-Code", "X-Geo-Country"}
	cityHeaders    = []string{"CF-IPCity", "CloudFront-Viewer-City", "X-Geo-City"}
)

// FromHeaders reads the location an edge proxy attached to the request.
// It returns nil when no country header is present. Callers must only use it
// for requests from a trusted proxy; see Proxies.
func FromHeaders(h http.Header) *models.Geo {
	country := first(h, countryHeaders)
	// XX is Cloudflare's unknown country.
	if country == "" || country == "XX" {
		return nil
	}
	return &models.Geo{Country: strings.ToUpper(country), City: first(h, cityHeaders)}
}

// Proxies is the set of peers allowed to attach location headers.
type Proxies struct {
	prefixes []netip.Prefix
}

// NewProxies parses addresses or CIDR prefixes, the forms accepted for
// trusted proxies. An empty list trusts nobody.
func NewProxies(list []string) (*Proxies, error) {
	p := &Proxies{}
	for _, item := range list {
		item = strings.TrimSpace(item)
		if !strings.Contains(item, "/") {
			addr, err := netip.ParseAddr(item)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy address %q: %w", item, err)
			}
			p.prefixes = append(p.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy prefix %q: %w", item, err)
		}
		p.prefixes = append(p.prefixes, prefix.Masked())
	}
	return p, nil
}

// Trusted reports whether ip belongs to a listed proxy.
func (p *Proxies) Trusted(ip string) bool {
	if p == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// FromTrustedHeaders is FromHeaders for requests whose immediate peer is a
// trusted proxy, and nil otherwise.
func (p *Proxies) FromTrustedHeaders(peer string, h http.Header) *models.Geo {
	if !p.Trusted(peer) {
		return nil
	}
	return FromHeaders(h)
}

func first(h http.Header, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

type entry struct {
	prefix netip.Prefix
	geo    models.Geo
}

// Table resolves locations from a static prefix list, most specific first.
type Table struct {
	entries []entry
}

// NewTable parses entries of the form "prefix=CC" or "prefix=CC/City".
func NewTable(entries []string) (*Table, error) {
	t := &Table{}
	for _, line := range entries {
		cidr, loc, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid geo entry %q: want prefix=CC[/City]", line)
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid geo prefix %q: %w", cidr, err)
		}
		country, city, _ := strings.Cut(loc, "/")
		t.entries = append(t.entries, entry{
			prefix: prefix.Masked(),
			geo:    models.Geo{Country: strings.ToUpper(strings.TrimSpace(country)), City: strings.TrimSpace(city)},
		})
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].prefix.Bits() > t.entries[j].prefix.Bits()
	})
	return t, nil
}

// Resolve returns the location of the longest matching prefix.
func (t *Table) Resolve(_ context.Context, ip string) (models.Geo, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return models.Geo{}, false
	}
	addr = addr.Unmap()
	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			return e.geo, true
		}
	}
	return models.Geo{}, false
}
