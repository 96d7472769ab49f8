// Package enrich fills event fields the capture layer did not supply.
package enrich

import (
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"trafficfilter/internal/trafficfilter/core"
)

const (
	defaultCacheSize = 4096
	cacheTTL         = 10 * time.Minute
)

type geoRange struct {
	prefix  netip.Prefix
	country string
}

// GeoTable maps source prefixes to ISO 3166-1 alpha-2 country codes. The
// table is immutable after construction; lookups go through an LRU cache
// that also remembers misses.
type GeoTable struct {
	ranges []geoRange
	cache  *expirable.LRU[netip.Addr, string]
}

// NewGeoTable builds a table from CIDR (or bare IP) to country entries. All
// invalid entries are reported together and reject the whole table.
func NewGeoTable(entries map[string]string, cacheSize int) (*GeoTable, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	var result *multierror.Error
	ranges := make([]geoRange, 0, len(entries))
	for entry, country := range entries {
		prefix, err := parseEntry(entry)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(country))
		if len(code) != 2 {
			result = multierror.Append(result,
				core.Wrap(core.CodeInvalidInput, "invalid country code "+country+" for "+entry, nil))
			continue
		}
		ranges = append(ranges, geoRange{prefix: prefix, country: code})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, core.Wrap(core.CodeInvalidInput, "geo table rejected", err)
	}

	// Most specific prefix first so overlapping ranges resolve predictably.
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].prefix.Bits() != ranges[j].prefix.Bits() {
			return ranges[i].prefix.Bits() > ranges[j].prefix.Bits()
		}
		return ranges[i].prefix.Addr().Less(ranges[j].prefix.Addr())
	})

	return &GeoTable{
		ranges: ranges,
		cache:  expirable.NewLRU[netip.Addr, string](cacheSize, nil, cacheTTL),
	}, nil
}

func parseEntry(entry string) (netip.Prefix, error) {
	trimmed := strings.TrimSpace(entry)
	if strings.Contains(trimmed, "/") {
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return netip.Prefix{}, core.Wrap(core.CodeInvalidInput, "invalid geo entry "+entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Prefix{}, core.Wrap(core.CodeInvalidInput, "invalid geo entry "+entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Lookup resolves an address to its country code.
func (t *GeoTable) Lookup(addr netip.Addr) (string, bool) {
	if t == nil || !addr.IsValid() {
		return "", false
	}
	addr = addr.Unmap()
	if country, ok := t.cache.Get(addr); ok {
		return country, country != ""
	}
	country := ""
	for _, r := range t.ranges {
		if r.prefix.Contains(addr) {
			country = r.country
			break
		}
	}
	t.cache.Add(addr, country)
	return country, country != ""
}

// Enrich fills the event country when the capture layer left it empty.
func (t *GeoTable) Enrich(ev *core.TrafficEvent) {
	if t == nil || ev == nil || ev.Country != "" || !ev.SourceIP.IsValid() {
		return
	}
	if country, ok := t.Lookup(ev.SourceIP); ok {
		ev.Country = country
	}
}

// Len returns the number of configured ranges.
func (t *GeoTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ranges)
}

// CacheLen returns the number of cached lookups.
func (t *GeoTable) CacheLen() int {
	if t == nil {
		return 0
	}
	return t.cache.Len()
}
