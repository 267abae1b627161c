// Package config loads daemon settings from flags, the environment and an
// optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"noeu/internal/cache"
	"noeu/internal/endpoint"
	"noeu/internal/lookup"
	"noeu/internal/reconcile"
	"noeu/internal/resolve"
	"noeu/internal/server"
)

const EnvPrefix = "NOEU"

// DefaultBearer is the public token of the site's web client.
const DefaultBearer = "Bearer AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

type Config struct {
	Server   Server
	Database Database
	Upstream Upstream
	Lookup   Lookup
	Cache    Cache
	Scan     Scan
	Proxy    Proxy
	Logging  Logging
}

type Server struct {
	Addr string
}

type Database struct {
	Path string
}

type Upstream struct {
	URL *url.URL
}

type Lookup struct {
	Bearer          string
	FallbackQueryID string
	Timeout         time.Duration
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Cooldown        time.Duration
}

type Cache struct {
	KnownTTL   time.Duration
	UnknownTTL time.Duration
}

type Scan struct {
	Interval time.Duration
}

type Proxy struct {
	Settle       time.Duration
	AllowPrivate bool
}

type Logging struct {
	Level slog.Level
}

// NewFlagSet declares every setting as a flag with its default.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (yaml, toml or json)")
	fs.String("server.addr", ":8080", "Listen address")
	fs.String("database.path", "noeu.db", "SQLite database path")
	fs.String("upstream.url", "https://x.com", "Site the proxy forwards to")
	fs.String("lookup.bearer", DefaultBearer, "Authorization header of about-account queries")
	fs.String("lookup.fallback_query_id", endpoint.FallbackQueryID, "Query id used when discovery fails")
	fs.Duration("lookup.timeout", resolve.DefaultTimeout, "How long a post waits for an active lookup")
	fs.Duration("lookup.initial_delay", lookup.DefaultInitialDelay, "Initial delay between lookups")
	fs.Duration("lookup.max_delay", lookup.DefaultMaxDelay, "Maximum delay between lookups")
	fs.Duration("lookup.cooldown", lookup.DefaultCooldown, "Pause after a rate limit response")
	fs.Duration("cache.ttl_known", cache.DefaultKnownTTL, "Lifetime of a cached location")
	fs.Duration("cache.ttl_unknown", cache.DefaultUnknownTTL, "Lifetime of a cached missing location")
	fs.Duration("scan.interval", reconcile.DefaultInterval, "Periodic scan interval")
	fs.Duration("proxy.settle", server.DefaultSettle, "How long a proxied page waits for lookups")
	fs.Bool("proxy.allow_private", false, "Allow loopback and private upstream and feed hosts")
	fs.String("logging.level", "info", "Logging level (debug, info, warn, error)")
	return fs
}

// Load parses args into fs and resolves the final configuration.
func Load(fs *pflag.FlagSet, args []string) (Config, error) {
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Server:   Server{Addr: strings.TrimSpace(v.GetString("server.addr"))},
		Database: Database{Path: strings.TrimSpace(v.GetString("database.path"))},
		Lookup: Lookup{
			Bearer:          strings.TrimSpace(v.GetString("lookup.bearer")),
			FallbackQueryID: strings.TrimSpace(v.GetString("lookup.fallback_query_id")),
			Timeout:         v.GetDuration("lookup.timeout"),
			InitialDelay:    v.GetDuration("lookup.initial_delay"),
			MaxDelay:        v.GetDuration("lookup.max_delay"),
			Cooldown:        v.GetDuration("lookup.cooldown"),
		},
		Cache: Cache{
			KnownTTL:   v.GetDuration("cache.ttl_known"),
			UnknownTTL: v.GetDuration("cache.ttl_unknown"),
		},
		Scan: Scan{Interval: v.GetDuration("scan.interval")},
		Proxy: Proxy{
			Settle:       v.GetDuration("proxy.settle"),
			AllowPrivate: v.GetBool("proxy.allow_private"),
		},
	}

	var errs []error
	upstream, err := url.Parse(strings.TrimSpace(v.GetString("upstream.url")))
	if err != nil || (upstream.Scheme != "http" && upstream.Scheme != "https") || upstream.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url %q is not an http(s) URL", v.GetString("upstream.url")))
	}
	cfg.Upstream.URL = upstream

	if err := cfg.Logging.Level.UnmarshalText([]byte(v.GetString("logging.level"))); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if cfg.Lookup.Bearer == "" {
		errs = append(errs, errors.New("lookup.bearer is required"))
	}
	for key, d := range map[string]time.Duration{
		"lookup.timeout":       cfg.Lookup.Timeout,
		"lookup.initial_delay": cfg.Lookup.InitialDelay,
		"lookup.max_delay":     cfg.Lookup.MaxDelay,
		"lookup.cooldown":      cfg.Lookup.Cooldown,
		"cache.ttl_known":      cfg.Cache.KnownTTL,
		"cache.ttl_unknown":    cfg.Cache.UnknownTTL,
		"scan.interval":        cfg.Scan.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", key, d))
		}
	}
	if cfg.Proxy.Settle < 0 {
		errs = append(errs, fmt.Errorf("proxy.settle must not be negative, got %v", cfg.Proxy.Settle))
	}
	if cfg.Lookup.MaxDelay < cfg.Lookup.InitialDelay {
		errs = append(errs, fmt.Errorf("lookup.max_delay %v is below lookup.initial_delay %v", cfg.Lookup.MaxDelay, cfg.Lookup.InitialDelay))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
