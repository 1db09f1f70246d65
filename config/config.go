// Package config loads the streamrpcd TOML configuration.
//
//	name = "demo"
//	protocol = "auto"          # auto, xml or json
//	listen = "127.0.0.1:7400"  # empty serves stdin/stdout
//	handler_timeout = "5s"
//
//	[log]
//	level = "debug"
//
//	[registry]
//	endpoints = ["127.0.0.1:2379"]
//	service = "demo"
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"stream-rpc/logging"
	"stream-rpc/split"
)

type Config struct {
	Name            string
	Protocol        string // auto, xml or json
	JSONVersion     int    // announced to registry clients
	Listen          string
	MaxDocumentSize int
	Nonblocking     bool
	Legacy          bool
	HandlerTimeout  time.Duration
	Log             logging.Config
	RateLimit       RateLimit
	Registry        Registry
}

// RateLimit configures the dispatch rate limiter. A zero Rate disables it.
type RateLimit struct {
	Rate  float64
	Burst int
}

// Registry configures etcd announcement of a TCP listener. No endpoints
// disables it.
type Registry struct {
	Endpoints   []string
	Service     string
	TTL         int64
	Weight      int
	DialTimeout time.Duration
}

func Default() Config {
	return Config{
		Name:            "streamrpcd",
		Protocol:        "auto",
		JSONVersion:     2,
		MaxDocumentSize: split.DefaultMaxSize,
		Log:             logging.DefaultConfig(),
		Registry: Registry{
			TTL:         10,
			Weight:      1,
			DialTimeout: 5 * time.Second,
		},
	}
}

type fileConfig struct {
	Name             string `toml:"name"`
	Protocol         string `toml:"protocol"`
	JSONVersion      int    `toml:"json_version"`
	Listen           string `toml:"listen"`
	MaxDocumentSize  int    `toml:"max_document_size"`
	NonblockingStdin bool   `toml:"nonblocking_stdin"`
	Legacy           bool   `toml:"legacy"`
	HandlerTimeout   string `toml:"handler_timeout"`
	Log              struct {
		Level   string `toml:"level"`
		Format  string `toml:"format"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`
	RateLimit struct {
		Rate  float64 `toml:"rate"`
		Burst int     `toml:"burst"`
	} `toml:"rate_limit"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		Service     string   `toml:"service"`
		TTL         int64    `toml:"ttl"`
		Weight      int      `toml:"weight"`
		DialTimeout string   `toml:"dial_timeout"`
	} `toml:"registry"`
}

// Load reads path on top of Default. Only keys present in the file change
// the defaults. The result is validated.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(raw, meta)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("protocol") {
		cfg.Protocol = strings.ToLower(strings.TrimSpace(raw.Protocol))
	}
	if meta.IsDefined("json_version") {
		cfg.JSONVersion = raw.JSONVersion
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("max_document_size") {
		cfg.MaxDocumentSize = raw.MaxDocumentSize
	}
	if meta.IsDefined("nonblocking_stdin") {
		cfg.Nonblocking = raw.NonblockingStdin
	}
	if meta.IsDefined("legacy") {
		cfg.Legacy = raw.Legacy
	}
	if meta.IsDefined("handler_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandlerTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse handler_timeout: %w", err)
		}
		cfg.HandlerTimeout = d
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	if meta.IsDefined("rate_limit", "rate") {
		cfg.RateLimit.Rate = raw.RateLimit.Rate
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "service") {
		cfg.Registry.Service = strings.TrimSpace(raw.Registry.Service)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}
	if meta.IsDefined("registry", "weight") {
		cfg.Registry.Weight = raw.Registry.Weight
	}
	if meta.IsDefined("registry", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Registry.DialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse registry.dial_timeout: %w", err)
		}
		cfg.Registry.DialTimeout = d
	}
	if cfg.Registry.Service == "" {
		cfg.Registry.Service = cfg.Name
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that Load cannot reject while decoding.
func (c Config) Validate() error {
	var errs []error
	switch c.Protocol {
	case "auto", string(split.XML), string(split.JSON):
	default:
		errs = append(errs, fmt.Errorf("protocol %q is not one of auto, xml, json", c.Protocol))
	}
	if c.JSONVersion != 1 && c.JSONVersion != 2 {
		errs = append(errs, fmt.Errorf("json_version must be 1 or 2, got %d", c.JSONVersion))
	}
	if c.MaxDocumentSize < 0 {
		errs = append(errs, errors.New("max_document_size must not be negative"))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, errors.New("handler_timeout must not be negative"))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Legacy && c.Protocol == string(split.JSON) {
		errs = append(errs, errors.New("legacy framing carries xml only"))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Listen == "" {
			errs = append(errs, errors.New("registry requires listen"))
		}
		if c.Registry.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q is unknown", c.Log.Level))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
