// Package service assembles the relay process: stores, gateway, controller API and
// background sweeps, bound to one HTTP listener.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/api"
	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/credentials"
	"github.com/danmuck/relayctl/internal/doccache"
	"github.com/danmuck/relayctl/internal/documents"
	"github.com/danmuck/relayctl/internal/gateway"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrRedisURLRequired = errors.New("service: redis_url required for redis backend")

type StoreConfig struct {
	Backend     string
	RedisURL    string
	RedisPrefix string
}

type DocumentsConfig struct {
	Enabled      bool
	BaseURL      string
	Timeout      time.Duration
	CacheTTL     time.Duration
	CacheBackend string
	CachePrefix  string
	TokenDBPath  string
	Tokens       map[string]string
}

// ServiceConfig is the full relay process configuration.
type ServiceConfig struct {
	NodeName         string
	ListenAddr       string
	ExecutorPath     string
	ControllerTokens []string
	ExecutorTokens   []string
	TLSCertFile      string
	TLSKeyFile       string
	ShutdownTimeout  time.Duration
	Relay            relay.Config
	Gateway          gateway.Config
	Store            StoreConfig
	Documents        DocumentsConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeName:        "relayctl",
		ListenAddr:      ":9000",
		ExecutorPath:    "/ws",
		ShutdownTimeout: 10 * time.Second,
		Relay:           relay.DefaultConfig(),
		Gateway:         gateway.DefaultConfig(),
		Store: StoreConfig{
			Backend:     BackendMemory,
			RedisPrefix: relay.DefaultRedisKeyPrefix,
		},
		Documents: DocumentsConfig{
			BaseURL:      documents.DefaultBaseURL,
			Timeout:      documents.DefaultTimeout,
			CacheTTL:     doccache.DefaultTTL,
			CacheBackend: BackendMemory,
			CachePrefix:  doccache.DefaultRedisPrefix,
		},
	}
}

// Validate rejects combinations the service cannot build.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("service: listen addr required")
	}
	if !strings.HasPrefix(c.ExecutorPath, "/") {
		return fmt.Errorf("service: executor path %q must start with /", c.ExecutorPath)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("service: tls cert and key must be set together")
	}
	if err := validBackend("store", c.Store.Backend); err != nil {
		return err
	}
	if c.Documents.Enabled {
		if err := validBackend("document cache", c.Documents.CacheBackend); err != nil {
			return err
		}
	}
	if c.needsRedis() && strings.TrimSpace(c.Store.RedisURL) == "" {
		return ErrRedisURLRequired
	}
	return nil
}

func (c ServiceConfig) needsRedis() bool {
	return c.Store.Backend == BackendRedis || (c.Documents.Enabled && c.Documents.CacheBackend == BackendRedis)
}

func validBackend(what, backend string) error {
	switch backend {
	case BackendMemory, BackendRedis:
		return nil
	}
	return fmt.Errorf("service: unsupported %s backend %q (expected memory or redis)", what, backend)
}

// Service owns every long-lived component of one relay process.
type Service struct {
	cfg     ServiceConfig
	relay   *relay.Relay
	gateway *gateway.Gateway
	router  *gin.Engine

	redis     *redis.Client
	tokens    *credentials.SQLiteStore
	docMemory *doccache.Memory
}

// NewServiceWithConfig builds every component. Redis is pinged here so a bad URL fails
// before the listener opens.
func NewServiceWithConfig(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	cfg.Relay = cfg.Relay.WithDefaults()
	cfg.Gateway = cfg.Gateway.WithDefaults()
	if len(cfg.ExecutorTokens) > 0 {
		cfg.Gateway.Auth = auth.NewStaticToken(cfg.ExecutorTokens...)
	}
	d := DefaultServiceConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.Documents.CacheTTL <= 0 {
		cfg.Documents.CacheTTL = d.Documents.CacheTTL
	}
	if strings.TrimSpace(cfg.ExecutorPath) == "" {
		cfg.ExecutorPath = d.ExecutorPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg}
	if cfg.needsRedis() {
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("service: parse redis url: %w", err)
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.redis.Close()
			return nil, fmt.Errorf("service: redis ping: %w", err)
		}
	}

	var store relay.Store
	if cfg.Store.Backend == BackendRedis {
		store = relay.NewRedisStore(s.redis, cfg.Relay.ResponseTTL, cfg.Store.RedisPrefix)
	}
	s.relay = relay.New(cfg.Relay, store)
	s.gateway = gateway.New(cfg.Gateway, s.relay)

	fetcher, err := s.buildDocuments()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	deps := api.Deps{
		NodeName:     cfg.NodeName,
		Relay:        s.relay,
		Gateway:      s.gateway,
		ExecutorPath: cfg.ExecutorPath,
		Documents:    fetcher,
	}
	if s.tokens != nil {
		deps.Tokens = s.tokens
	}
	if len(cfg.ControllerTokens) > 0 {
		deps.Auth = auth.NewStaticToken(cfg.ControllerTokens...)
	}
	s.router = api.NewRouter(deps)
	return s, nil
}

func (s *Service) buildDocuments() (*documents.Fetcher, error) {
	dc := s.cfg.Documents
	if !dc.Enabled {
		return nil, nil
	}
	var providers credentials.Chain
	if len(dc.Tokens) > 0 {
		providers = append(providers, credentials.Static(dc.Tokens))
	}
	if path := strings.TrimSpace(dc.TokenDBPath); path != "" {
		store, err := credentials.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		s.tokens = store
		providers = append(providers, store)
	}

	var cache doccache.Cache
	if dc.CacheBackend == BackendRedis {
		cache = doccache.NewRedis(s.redis, dc.CacheTTL, dc.CachePrefix)
	} else {
		s.docMemory = doccache.NewMemory(dc.CacheTTL)
		cache = s.docMemory
	}
	return documents.NewFetcher(documents.Config{BaseURL: dc.BaseURL, Timeout: dc.Timeout}, providers, cache), nil
}

func (s *Service) Relay() *relay.Relay {
	return s.relay
}

func (s *Service) Gateway() *gateway.Gateway {
	return s.gateway
}

// Handler exposes the router for in-process tests.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("executor_path", s.cfg.ExecutorPath).Msg("service.Run listening")
	return s.Serve(ctx, ln)
}

func (s *Service) listen() (net.Listener, error) {
	if s.cfg.TLSCertFile == "" {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("service: load tls keypair: %w", err)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	})
}

// Serve runs the HTTP server and background sweeps on ln until ctx is cancelled, then
// shuts down gracefully and releases stores.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go s.relay.Sweeper().Run(bgCtx)
	if s.docMemory != nil {
		go s.pruneDocuments(bgCtx)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("service.Serve shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.gateway.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("service.Serve shutdown incomplete")
		_ = srv.Close()
	}
	<-serveErr
	return nil
}

func (s *Service) pruneDocuments(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Documents.CacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.docMemory.Prune(); n > 0 {
				log.Debug().Int("removed", n).Msg("service.pruneDocuments")
			}
		}
	}
}

// Close releases the token database and redis client. Safe to call more than once.
func (s *Service) Close() error {
	var errs []error
	if s.tokens != nil {
		errs = append(errs, s.tokens.Close())
		s.tokens = nil
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
		s.redis = nil
	}
	return errors.Join(errs...)
}
