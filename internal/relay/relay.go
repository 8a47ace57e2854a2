package relay

import (
	"context"
	"sync"
	"time"
)

// Config holds relay timing. Zero fields take the defaults.
type Config struct {
	ResponseTTL   time.Duration
	SweepInterval time.Duration
	PollInterval  time.Duration
	WaitDeadline  time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig returns the relay timing contract.
func DefaultConfig() Config {
	return Config{
		ResponseTTL:   DefaultResponseTTL,
		SweepInterval: 60 * time.Second,
		PollInterval:  300 * time.Millisecond,
		WaitDeadline:  8 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// WithDefaults fills zero or negative fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = d.ResponseTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.WaitDeadline <= 0 {
		c.WaitDeadline = d.WaitDeadline
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Relay wires registry, store, dispatch, ingestion and retrieval together.
type Relay struct {
	cfg      Config
	registry *Registry
	store    Store
	arrivals *arrivals
	now      func() time.Time

	// peers maps a live Conn to the identity it registered as.
	peers sync.Map
}

// New builds a Relay over store. A nil store selects a MemoryStore with the configured TTL.
func New(cfg Config, store Store) *Relay {
	cfg = cfg.WithDefaults()
	if store == nil {
		store = NewMemoryStore(cfg.ResponseTTL)
	}
	return &Relay{
		cfg:      cfg,
		registry: NewRegistry(),
		store:    store,
		arrivals: newArrivals(),
		now:      time.Now,
	}
}

func (r *Relay) Config() Config {
	return r.cfg
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

func (r *Relay) Store() Store {
	return r.store
}

// Sweeper returns a sweeper bound to this relay's store and interval.
func (r *Relay) Sweeper() *Sweeper {
	return NewSweeper(r.store, r.cfg.SweepInterval)
}

// Disconnect drops conn's registry binding if it is still the bound connection.
// Stored responses are left for retrieval or the sweep.
func (r *Relay) Disconnect(conn Conn) (string, bool) {
	v, ok := r.peers.LoadAndDelete(conn)
	if !ok {
		return "", false
	}
	identity := v.(string)
	return identity, r.registry.Remove(identity, conn)
}

// IdentityOf reports the identity conn registered as, if any.
func (r *Relay) IdentityOf(conn Conn) (string, bool) {
	v, ok := r.peers.Load(conn)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (r *Relay) withWriteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.WriteTimeout)
}
