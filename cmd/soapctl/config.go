package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/soapctl/internal/control"
)

// soapctl config.toml key mapping to runtime settings.
type fileConfig struct {
	ListenAddr         string   `toml:"listen_addr"`
	MetricsAddr        string   `toml:"metrics_addr"`
	BridgeAddr         string   `toml:"bridge_addr"`
	RemoteTimeout      string   `toml:"remote_timeout"`
	BreakerMaxFailures int64    `toml:"breaker_max_failures"`
	BreakerOpenTimeout string   `toml:"breaker_open_timeout"`
	DatabaseURL        string   `toml:"database_url"`
	DatabaseMigrate    bool     `toml:"database_migrate"`
	RateLimitPerMinute float64  `toml:"rate_limit_per_minute"`
	RateLimitBurst     int      `toml:"rate_limit_burst"`
	ExportActors       []string `toml:"export_actors"`
}

// loadServiceConfig overlays the keys present in path onto the defaults.
func loadServiceConfig(path string) (control.ServiceConfig, error) {
	cfg := control.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return control.ServiceConfig{}, fmt.Errorf("load soapctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return control.ServiceConfig{}, fmt.Errorf("load soapctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("bridge_addr") {
		cfg.BridgeAddr = strings.TrimSpace(raw.BridgeAddr)
	}
	if meta.IsDefined("remote_timeout") {
		d, err := parsePositiveDuration("remote_timeout", raw.RemoteTimeout)
		if err != nil {
			return control.ServiceConfig{}, err
		}
		cfg.Remote.Timeout = d
	}
	if meta.IsDefined("breaker_max_failures") {
		if raw.BreakerMaxFailures <= 0 || raw.BreakerMaxFailures > math.MaxUint32 {
			return control.ServiceConfig{}, fmt.Errorf(
				"load soapctl config: breaker_max_failures must be between 1 and %d",
				uint64(math.MaxUint32),
			)
		}
		cfg.Remote.MaxFailures = uint32(raw.BreakerMaxFailures)
	}
	if meta.IsDefined("breaker_open_timeout") {
		d, err := parsePositiveDuration("breaker_open_timeout", raw.BreakerOpenTimeout)
		if err != nil {
			return control.ServiceConfig{}, err
		}
		cfg.Remote.BreakerOpenTimeout = d
	}
	if meta.IsDefined("database_url") {
		cfg.DatabaseURL = strings.TrimSpace(raw.DatabaseURL)
	}
	if meta.IsDefined("database_migrate") {
		cfg.DatabaseMigrate = raw.DatabaseMigrate
	}
	if meta.IsDefined("rate_limit_per_minute") {
		if raw.RateLimitPerMinute < 0 {
			return control.ServiceConfig{}, fmt.Errorf("load soapctl config: rate_limit_per_minute must not be negative")
		}
		cfg.RateLimitPerMinute = raw.RateLimitPerMinute
	}
	if meta.IsDefined("rate_limit_burst") {
		if raw.RateLimitBurst < 0 {
			return control.ServiceConfig{}, fmt.Errorf("load soapctl config: rate_limit_burst must not be negative")
		}
		cfg.RateLimitBurst = raw.RateLimitBurst
	}
	if meta.IsDefined("export_actors") {
		cfg.ExportActors = cfg.ExportActors[:0]
		for _, actor := range raw.ExportActors {
			if actor = strings.TrimSpace(actor); actor != "" {
				cfg.ExportActors = append(cfg.ExportActors, actor)
			}
		}
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return control.ServiceConfig{}, fmt.Errorf("load soapctl config: listen_addr is required")
	}
	if strings.TrimSpace(cfg.BridgeAddr) == "" {
		return control.ServiceConfig{}, fmt.Errorf("load soapctl config: bridge_addr is required")
	}
	return cfg, nil
}

func parsePositiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("load soapctl config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("load soapctl config: %s must be positive", key)
	}
	return d, nil
}
