package geoip

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Resolver maps client addresses to ISO country codes. The database can be
// swapped at runtime after a refresh.
type Resolver struct {
	db   *geoip2.Reader
	path string
	mu   sync.RWMutex
}

// Open loads the country database at path.
func Open(path string) (*Resolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Resolver{db: db, path: path}, nil
}

// Reload reopens the database file and replaces the active reader.
func (r *Resolver) Reload() error {
	db, err := geoip2.Open(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.db
	r.db = db
	r.mu.Unlock()

	return old.Close()
}

// Close closes the active reader.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Close()
}

// Country returns the ISO country code ("DE", "US") of host, or an empty
// string when the address is invalid or unknown.
func (r *Resolver) Country(host string) string {
	if r == nil {
		return ""
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, err := r.db.Country(ip)
	if err != nil {
		return ""
	}

	return record.Country.IsoCode
}
