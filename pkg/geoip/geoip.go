// Package geoip resolves peer addresses to ISO country codes from an MMDB
// database (MaxMind GeoLite2, DB-IP Lite or IP2Location LITE).
//
// A missing database disables lookups instead of failing:
//
//	reader, err := geoip.NewReader(os.Getenv("GEOIP_MMDB_PATH"))
//	if err != nil {
//	    return err // file exists but is unreadable
//	}
//	defer reader.Close()
//
//	code := reader.Country("8.8.8.8") // nil when unknown or disabled
package geoip

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// countryDB is the subset of *geoip2.Reader used here
type countryDB interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Reader provides country lookups. A nil *Reader is valid and always misses.
type Reader struct {
	db              countryDB
	provider        string
	attributionText string
	dbPath          string
}

// NewReader opens an MMDB file.
//
// Returns nil, nil if the path is empty or the file doesn't exist.
// Returns nil, error if the file exists but can't be opened.
func NewReader(mmdbPath string) (*Reader, error) {
	if mmdbPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(mmdbPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		return nil, err
	}

	provider, attributionText := detectProvider(mmdbPath)
	return &Reader{
		db:              db,
		provider:        provider,
		attributionText: attributionText,
		dbPath:          mmdbPath,
	}, nil
}

// detectProvider attempts to identify the MMDB provider from filename
func detectProvider(mmdbPath string) (provider string, attributionText string) {
	filename := strings.ToLower(filepath.Base(mmdbPath))

	switch {
	case strings.Contains(filename, "geolite2") || strings.Contains(filename, "maxmind"):
		return "maxmind", "This product includes GeoLite2 data created by MaxMind, available from https://www.maxmind.com."
	case strings.Contains(filename, "dbip") || strings.Contains(filename, "db-ip"):
		return "dbip", "IP Geolocation by DB-IP (https://db-ip.com)"
	case strings.Contains(filename, "ip2location"):
		return "ip2location", "This site or product includes IP2Location LITE data available from https://lite.ip2location.com."
	default:
		return "unknown", ""
	}
}

// Country returns the ISO country code for an address ("ip" or "ip:port").
//
// Returns nil if:
// - No database is loaded
// - The address is invalid
// - The address is private/local
// - The database has no country for it
func (r *Reader) Country(addr string) *string {
	if r == nil || r.db == nil {
		return nil
	}

	ip := parseHost(addr)
	if ip == nil || isPrivateIP(ip) {
		return nil
	}

	record, err := r.db.Country(ip)
	if err != nil || record == nil {
		return nil
	}

	code := record.Country.IsoCode
	if code == "" {
		code = record.RegisteredCountry.IsoCode
	}
	if code == "" {
		return nil
	}
	return &code
}

// parseHost accepts bare IPs and host:port forms
func parseHost(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

// isPrivateIP checks if an IP address is private/local
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified()
}

// Provider returns the detected provider name
func (r *Reader) Provider() string {
	if r == nil {
		return "none"
	}
	return r.provider
}

// AttributionText returns the notice the provider's license asks for
func (r *Reader) AttributionText() string {
	if r == nil {
		return ""
	}
	return r.attributionText
}

// DatabasePath returns the path to the loaded database file
func (r *Reader) DatabasePath() string {
	if r == nil {
		return ""
	}
	return r.dbPath
}

// IsLoaded returns true if a database is successfully loaded
func (r *Reader) IsLoaded() bool {
	return r != nil && r.db != nil
}

// Close closes the underlying database
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
