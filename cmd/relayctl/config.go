package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relayctl/internal/service"
)

const (
	envAddr            = "RELAYCTL_ADDR"
	envRedisURL        = "RELAYCTL_REDIS_URL"
	envControllerToken = "RELAYCTL_CONTROLLER_TOKEN"
	envExecutorToken   = "RELAYCTL_EXECUTOR_TOKEN"
	envTokenDB         = "RELAYCTL_TOKEN_DB"
)

// relayctl config.toml key mapping to service settings. Durations are Go duration strings.
type fileConfig struct {
	NodeName         string   `toml:"node_name"`
	Addr             string   `toml:"addr"`
	ExecutorPath     string   `toml:"executor_path"`
	ControllerTokens []string `toml:"controller_tokens"`
	ExecutorTokens   []string `toml:"executor_tokens"`
	TLSCertFile      string   `toml:"tls_cert_file"`
	TLSKeyFile       string   `toml:"tls_key_file"`
	ShutdownTimeout  string   `toml:"shutdown_timeout"`

	ResponseTTL   string `toml:"response_ttl"`
	SweepInterval string `toml:"sweep_interval"`
	PollInterval  string `toml:"poll_interval"`
	WaitDeadline  string `toml:"wait_deadline"`
	WriteTimeout  string `toml:"write_timeout"`

	PingInterval   string   `toml:"ping_interval"`
	DeadAfter      string   `toml:"dead_after"`
	AllowedOrigins []string `toml:"allowed_origins"`

	StoreBackend string `toml:"store_backend"`
	RedisURL     string `toml:"redis_url"`
	RedisPrefix  string `toml:"redis_prefix"`

	Documents documentsFileConfig `toml:"documents"`
}

type documentsFileConfig struct {
	Enabled      bool              `toml:"enabled"`
	BaseURL      string            `toml:"base_url"`
	Timeout      string            `toml:"timeout"`
	CacheTTL     string            `toml:"cache_ttl"`
	CacheBackend string            `toml:"cache_backend"`
	CachePrefix  string            `toml:"cache_prefix"`
	TokenDB      string            `toml:"token_db"`
	Tokens       map[string]string `toml:"tokens"`
}

// loadServiceConfig overlays config.toml on the service defaults, then applies
// environment overrides. An empty path loads defaults plus environment only.
func loadServiceConfig(path string) (service.ServiceConfig, error) {
	cfg := service.DefaultServiceConfig()
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return service.ServiceConfig{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return service.ServiceConfig{}, fmt.Errorf("load relayctl config: %w", err)
	}
	return cfg, nil
}

func overlayFile(cfg *service.ServiceConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load relayctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load relayctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("node_name") {
		cfg.NodeName = strings.TrimSpace(raw.NodeName)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("executor_path") {
		cfg.ExecutorPath = strings.TrimSpace(raw.ExecutorPath)
	}
	if meta.IsDefined("controller_tokens") {
		cfg.ControllerTokens = trimAll(raw.ControllerTokens)
	}
	if meta.IsDefined("executor_tokens") {
		cfg.ExecutorTokens = trimAll(raw.ExecutorTokens)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLSCertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLSKeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("allowed_origins") {
		cfg.Gateway.AllowedOrigins = trimAll(raw.AllowedOrigins)
	}
	if meta.IsDefined("store_backend") {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(raw.StoreBackend))
	}
	if meta.IsDefined("redis_url") {
		cfg.Store.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("redis_prefix") {
		cfg.Store.RedisPrefix = strings.TrimSpace(raw.RedisPrefix)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"response_ttl", raw.ResponseTTL, &cfg.Relay.ResponseTTL},
		{"sweep_interval", raw.SweepInterval, &cfg.Relay.SweepInterval},
		{"poll_interval", raw.PollInterval, &cfg.Relay.PollInterval},
		{"wait_deadline", raw.WaitDeadline, &cfg.Relay.WaitDeadline},
		{"write_timeout", raw.WriteTimeout, &cfg.Relay.WriteTimeout},
		{"ping_interval", raw.PingInterval, &cfg.Gateway.PingInterval},
		{"dead_after", raw.DeadAfter, &cfg.Gateway.DeadAfter},
		{"documents.timeout", raw.Documents.Timeout, &cfg.Documents.Timeout},
		{"documents.cache_ttl", raw.Documents.CacheTTL, &cfg.Documents.CacheTTL},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || parsed <= 0 {
			return fmt.Errorf("load relayctl config: %s must be a positive duration, got %q", d.key, d.raw)
		}
		*d.dst = parsed
	}
	// keep the write timeout shared between dispatch and the socket writer
	cfg.Gateway.WriteTimeout = cfg.Relay.WriteTimeout

	if meta.IsDefined("documents", "enabled") {
		cfg.Documents.Enabled = raw.Documents.Enabled
	}
	if meta.IsDefined("documents", "base_url") {
		cfg.Documents.BaseURL = strings.TrimSpace(raw.Documents.BaseURL)
	}
	if meta.IsDefined("documents", "cache_backend") {
		cfg.Documents.CacheBackend = strings.ToLower(strings.TrimSpace(raw.Documents.CacheBackend))
	}
	if meta.IsDefined("documents", "cache_prefix") {
		cfg.Documents.CachePrefix = strings.TrimSpace(raw.Documents.CachePrefix)
	}
	if meta.IsDefined("documents", "token_db") {
		cfg.Documents.TokenDBPath = strings.TrimSpace(raw.Documents.TokenDB)
	}
	if meta.IsDefined("documents", "tokens") {
		cfg.Documents.Tokens = raw.Documents.Tokens
	}
	return nil
}

func applyEnv(cfg *service.ServiceConfig) {
	if v := strings.TrimSpace(os.Getenv(envAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envRedisURL)); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envControllerToken)); v != "" {
		cfg.ControllerTokens = append(cfg.ControllerTokens, v)
	}
	if v := strings.TrimSpace(os.Getenv(envExecutorToken)); v != "" {
		cfg.ExecutorTokens = append(cfg.ExecutorTokens, v)
	}
	if v := strings.TrimSpace(os.Getenv(envTokenDB)); v != "" {
		cfg.Documents.TokenDBPath = v
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
