// Package geo resolves client addresses to ISO country codes using a MaxMind
// database, with an LRU cache in front of lookups.
package geo

import (
	"fmt"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/geoip2-golang"
)

type Resolver struct {
	reader *geoip2.Reader
	lookup func(net.IP) (string, error)
	cache  *lru.Cache[string, string]
}

func Open(path string, cacheSize int) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	r, err := newResolver(func(ip net.IP) (string, error) {
		rec, err := reader.Country(ip)
		if err != nil {
			return "", err
		}
		return rec.Country.IsoCode, nil
	}, cacheSize)
	if err != nil {
		reader.Close()
		return nil, err
	}
	r.reader = reader
	return r, nil
}

func newResolver(lookup func(net.IP) (string, error), cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{lookup: lookup, cache: cache}, nil
}

// Country returns the ISO code for ip. Misses and unparsable addresses are
// cached as empty so they are not looked up again.
func (r *Resolver) Country(ip string) (string, bool) {
	if r == nil {
		return "", false
	}
	if code, ok := r.cache.Get(ip); ok {
		return code, code != ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		r.cache.Add(ip, "")
		return "", false
	}
	code, err := r.lookup(parsed)
	if err != nil {
		code = ""
	}
	r.cache.Add(ip, code)
	return code, code != ""
}

func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
