package geo

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver maps IP addresses to ISO country codes using a MaxMind database,
// with a small TTL cache in front of the reader.
type Resolver struct {
	reader    *maxminddb.Reader
	cacheTTL  time.Duration
	cacheSize int

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	country string
	expires time.Time
}

// NewResolver opens the MaxMind database at dbPath.
func NewResolver(dbPath string, cacheSize int, cacheTTL time.Duration) (*Resolver, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	return &Resolver{
		reader:    reader,
		cacheTTL:  cacheTTL,
		cacheSize: cacheSize,
		cache:     make(map[string]cacheEntry),
	}, nil
}

// Country returns the ISO country code for an IP address.
func (r *Resolver) Country(ip string) (string, bool) {
	if country, ok := r.cached(ip); ok {
		return country, country != ""
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.reader.Lookup(parsed, &record); err != nil {
		return "", false
	}

	r.store(ip, record.Country.ISOCode)
	return record.Country.ISOCode, record.Country.ISOCode != ""
}

// Close closes the underlying database.
func (r *Resolver) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

func (r *Resolver) cached(ip string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[ip]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.country, true
}

func (r *Resolver) store(ip, country string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Crude eviction: drop everything once the cache fills up.
	if len(r.cache) >= r.cacheSize {
		r.cache = make(map[string]cacheEntry)
	}
	r.cache[ip] = cacheEntry{country: country, expires: time.Now().Add(r.cacheTTL)}
}
