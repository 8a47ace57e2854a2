// Package gateway owns the executor-facing WebSocket endpoint.
//
// Ownership boundary:
// - upgrade, keepalive and per-connection write serialization
// - handing every inbound text frame to relay ingestion
// - replying to registration; nothing else is ever written back
//
// A connection superseded by a newer registration for the same identity is
// left open. It stops receiving commands and closes on its own schedule.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("gateway: connection closed")

// Config defines executor session keepalive and limits.
type Config struct {
	ReadLimit        int64
	PingInterval     time.Duration
	DeadAfter        time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	AllowedOrigins   []string
	// Auth, when set, requires a bearer token on the upgrade request.
	Auth auth.Validator
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:        wire.MaxMessageBytes,
		PingInterval:     30 * time.Second,
		DeadAfter:        60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = d.DeadAfter
	}
	if c.DeadAfter <= c.PingInterval {
		c.DeadAfter = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

// Gateway upgrades executor connections and feeds them to a relay.
type Gateway struct {
	cfg      Config
	relay    *relay.Relay
	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	active  atomic.Int64
}

func New(cfg Config, r *relay.Relay) *Gateway {
	cfg = cfg.WithDefaults()
	return &Gateway{
		cfg:   cfg,
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
		conns: make(map[*Conn]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = true
		}
	}
	if len(set) == 0 || set["*"] {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// executors are not browsers and usually send no Origin
		return origin == "" || set[origin]
	}
}

// ActiveConnections reports open executor sockets, bound or not.
func (g *Gateway) ActiveConnections() int64 {
	return g.active.Load()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Auth != nil {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err == nil {
			err = g.cfg.Auth.Validate(token)
		}
		if err != nil {
			log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("gateway.ServeHTTP rejected executor")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("gateway.ServeHTTP upgrade failed")
		return
	}
	g.handleConn(r.Context(), newConn(ws, g.cfg.WriteTimeout))
}

func (g *Gateway) handleConn(ctx context.Context, c *Conn) {
	g.track(c)
	defer g.untrack(c)
	defer c.Close()

	active := g.active.Add(1)
	observability.ConnectionOpened()
	log.Info().Str("conn_id", c.id).Str("remote", c.remote).Int64("active", active).Msg("gateway.session connected")
	defer func() {
		remaining := g.active.Add(-1)
		observability.ConnectionClosed()
		identity, removed := g.relay.Disconnect(c)
		log.Info().
			Str("conn_id", c.id).
			Str("identity", identity).
			Bool("unbound", removed).
			Int64("active", remaining).
			Msg("gateway.session disconnected")
	}()

	c.ws.SetReadLimit(g.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.DeadAfter))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.DeadAfter))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go g.pingLoop(c, stopPing)

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("conn_id", c.id).Err(err).Msg("gateway.session read ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.DeadAfter))
		if kind != websocket.TextMessage {
			log.Debug().Str("conn_id", c.id).Int("frame_kind", kind).Msg("gateway.session dropped non-text frame")
			continue
		}

		res, err := g.relay.Ingest(ctx, c, data)
		if err != nil {
			log.Debug().Str("conn_id", c.id).Err(err).Msg("gateway.session dropped frame")
			continue
		}
		if res.Kind != relay.IngestRegistered {
			continue
		}
		if res.Superseded != nil {
			log.Info().
				Str("identity", res.Identity).
				Str("superseded_conn_id", res.Superseded.ID()).
				Msg("gateway.session registration superseded older connection")
		}
		ack, err := wire.EncodeRegistered()
		if err != nil {
			return
		}
		if err := c.Send(ctx, ack); err != nil {
			log.Warn().Str("conn_id", c.id).Err(err).Msg("gateway.session write registered failed")
			return
		}
	}
}

func (g *Gateway) pingLoop(c *Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(g.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (g *Gateway) track(c *Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	g.conns[c] = struct{}{}
}

func (g *Gateway) untrack(c *Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	delete(g.conns, c)
}

// CloseAll closes every tracked executor connection for shutdown.
func (g *Gateway) CloseAll() {
	g.connsMu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Conn is one executor WebSocket. Writes are serialized; Close is idempotent.
type Conn struct {
	id           string
	remote       string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		remote:       ws.RemoteAddr().String(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remote }
func (c *Conn) Writable() bool     { return !c.closed.Load() }

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.ws.Close()
}
