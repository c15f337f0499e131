package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"shadmission/api_monitor/internal/broadcast"
	"shadmission/api_monitor/internal/relay"
	"shadmission/api_monitor/internal/store"
	"shadmission/pkg/api/monitor"
	"shadmission/pkg/config"
)

type serviceConfig struct {
	Port string

	TransmissionURL      string
	TransmissionUsername string
	TransmissionPassword string
	SourceTimeout        time.Duration

	DataDir         string
	StoreBackend    string
	Interval        time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration

	CORSOrigins      []string
	GeoIPPath        string
	RedisURL         string
	RedisChannel     string
	SubscriberBuffer int
}

func loadConfig() serviceConfig {
	return serviceConfig{
		Port: config.GetEnv("PORT", "3000"),

		TransmissionURL:      config.GetEnv("TRANSMISSION_URL", "http://localhost:9091"),
		TransmissionUsername: config.GetEnv("TRANSMISSION_USERNAME", ""),
		TransmissionPassword: config.GetEnv("TRANSMISSION_PASSWORD", ""),
		SourceTimeout:        config.GetEnvDuration("SOURCE_TIMEOUT", 800*time.Millisecond),

		DataDir:         config.GetEnv("DATA_DIR", "./data"),
		StoreBackend:    config.GetEnv("STORE_BACKEND", store.BackendSQLite),
		Interval:        config.GetEnvDuration("SNAPSHOT_INTERVAL", time.Second),
		CleanupInterval: config.GetEnvDuration("CLEANUP_INTERVAL", time.Hour),
		Retention:       config.GetEnvDuration("RETENTION", monitor.RetentionWindow),

		CORSOrigins:      config.GetEnvList("CORS_ORIGINS", []string{"*"}),
		GeoIPPath:        config.GetEnv("GEOIP_MMDB_PATH", ""),
		RedisURL:         config.GetEnv("REDIS_URL", ""),
		RedisChannel:     config.GetEnv("REDIS_CHANNEL", relay.DefaultChannel),
		SubscriberBuffer: config.GetEnvInt("SUBSCRIBER_BUFFER", broadcast.DefaultBuffer),
	}
}

// normalize keeps the source timeout inside the tick so a hung daemon
// cannot delay the next sample
func (c serviceConfig) normalize() serviceConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.SourceTimeout <= 0 || c.SourceTimeout >= c.Interval {
		c.SourceTimeout = c.Interval * 4 / 5
	}
	if c.Retention <= 0 {
		c.Retention = monitor.RetentionWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = broadcast.DefaultBuffer
	}
	return c
}

// originChecker mirrors CORS_ORIGINS for WebSocket upgrades. nil allows all.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
