package features

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// GeoResolver maps network addresses to ISO country codes using a static
// table of CIDR ranges. The most specific matching prefix wins.
type GeoResolver struct {
	ranges []geoRange
}

type geoRange struct {
	prefix  netip.Prefix
	country string
}

type geoFile struct {
	Ranges []struct {
		CIDR    string `yaml:"cidr"`
		Country string `yaml:"country"`
	} `yaml:"ranges"`
}

// LoadGeoFile reads a YAML range table. An empty path yields an empty resolver.
func LoadGeoFile(path string) (*GeoResolver, error) {
	if path == "" {
		return NewGeoResolver(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geo file: %w", err)
	}
	return ParseGeo(data)
}

func ParseGeo(data []byte) (*GeoResolver, error) {
	var f geoFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse geo file: %w", err)
	}
	table := make(map[string]string, len(f.Ranges))
	for _, r := range f.Ranges {
		table[r.CIDR] = r.Country
	}
	return NewGeoResolver(table)
}

// NewGeoResolver builds a resolver from CIDR → country pairs.
func NewGeoResolver(table map[string]string) (*GeoResolver, error) {
	g := &GeoResolver{}
	for cidr, country := range table {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("geo range %q: %w", cidr, err)
		}
		cc, ok := normalizeCountry(country)
		if !ok {
			return nil, fmt.Errorf("geo range %q: invalid country %q", cidr, country)
		}
		g.ranges = append(g.ranges, geoRange{prefix: p.Masked(), country: cc})
	}
	sort.SliceStable(g.ranges, func(i, j int) bool {
		return g.ranges[i].prefix.Bits() > g.ranges[j].prefix.Bits()
	})
	return g, nil
}

// Resolve returns the country for addr, or false when no range covers it.
func (g *GeoResolver) Resolve(addr netip.Addr) (string, bool) {
	if g == nil {
		return "", false
	}
	addr = addr.Unmap()
	for _, r := range g.ranges {
		if r.prefix.Contains(addr) {
			return r.country, true
		}
	}
	return "", false
}

func (g *GeoResolver) Len() int {
	if g == nil {
		return 0
	}
	return len(g.ranges)
}

func normalizeCountry(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 2 {
		return "", false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return s, true
}

// countryFromLocation accepts "AE" or "Dubai, AE" style strings.
func countryFromLocation(location string) (string, bool) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", false
	}
	parts := strings.Split(location, ",")
	return normalizeCountry(parts[len(parts)-1])
}
