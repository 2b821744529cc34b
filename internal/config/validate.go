package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration for the given command mode. Every
// problem is reported in a single error.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "sync", "migrate", "status", "runs":
	case "backfill":
		if c.Geocode.KakaoAPIKey == "" {
			problems = append(problems, "geocode.kakao_api_key is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		for _, prefix := range c.Server.AllowedSources {
			if !remoteSource(prefix) {
				problems = append(problems, fmt.Sprintf("server.allowed_sources entry %q must be an http, https or ftp URL", prefix))
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" && (c.Store.Host == "" || c.Store.Database == "") {
			problems = append(problems, "store.database_url or store.host and store.database are required")
		}
	case "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if c.Store.MaxConns < 0 {
		problems = append(problems, "store.max_conns must be >= 0")
	}

	g := c.Geocode
	if g.TimeoutSecs <= 0 {
		problems = append(problems, "geocode.timeout_secs must be > 0")
	}
	if g.DelayMS < 0 {
		problems = append(problems, "geocode.delay_ms must be >= 0")
	}
	if g.RetryLimit < 1 {
		problems = append(problems, "geocode.retry_limit must be >= 1")
	}
	if g.Concurrency < 1 || g.Concurrency > 16 {
		problems = append(problems, "geocode.concurrency must be between 1 and 16")
	}
	if b := g.Bounds; b.Enabled && (b.MinLng >= b.MaxLng || b.MinLat >= b.MaxLat) {
		problems = append(problems, "geocode.bounds min must be below max")
	}

	m := c.Monitoring
	if m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if m.RecordFailureThreshold < 0 || m.RecordFailureThreshold > 1 {
		problems = append(problems, "monitoring.record_failure_threshold must be between 0 and 1")
	}
	if m.MinCoordinateCoverage < 0 || m.MinCoordinateCoverage > 100 {
		problems = append(problems, "monitoring.min_coordinate_coverage must be between 0 and 100")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// remoteSource reports whether prefix names an http, https or ftp host.
func remoteSource(prefix string) bool {
	u, err := url.Parse(prefix)
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}
