// Package executor is a reference executor: it dials the relay gateway, registers one
// identity and answers every command on the same socket.
//
// Ownership boundary:
// - dial + register handshake with bounded retries
// - reconnect with backoff after the session drops
// - turning Handler results into response frames
package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrURLRequired          = errors.New("executor: gateway url required")
	ErrIdentityRequired     = errors.New("executor: identity required")
	ErrRegistrationRejected = errors.New("executor: registration not acknowledged")
	ErrSessionClosed        = errors.New("executor: session closed")
)

// Handler answers one command. The returned payload becomes the response body.
type Handler interface {
	Handle(ctx context.Context, correlationID string, payload json.RawMessage) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, correlationID string, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, correlationID string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, correlationID, payload)
}

type Config struct {
	URL                string
	Identity           string
	Header             http.Header
	TLSConfig          *tls.Config
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	Backoff            BackoffConfig
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Backoff:          DefaultBackoff(),
	}
}

type Client struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewClient(cfg Config, handler Handler) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	cfg.Identity = strings.TrimSpace(cfg.Identity)
	if cfg.Identity == "" {
		return nil, ErrIdentityRequired
	}
	d := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = d.Backoff
	}
	if handler == nil {
		handler = EchoHandler()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  cfg.TLSConfig,
		},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run keeps one registered session alive until ctx is cancelled. It returns early only
// when MaxConnectAttempts is exhausted.
func (c *Client) Run(ctx context.Context) error {
	for {
		sess, err := c.ConnectAndRegister(ctx)
		if err != nil {
			return err
		}
		err = sess.Serve(ctx)
		_ = sess.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Str("identity", c.cfg.Identity).Err(err).Msg("executor.Client session dropped; reconnecting")
		if err := c.sleepBackoff(ctx, 1); err != nil {
			return err
		}
	}
}

// ConnectAndRegister dials the gateway, registers and waits for the acknowledgement.
func (c *Client) ConnectAndRegister(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			var sess *Session
			sess, err = c.register(ws)
			if err == nil {
				log.Info().Str("identity", c.cfg.Identity).Str("url", c.cfg.URL).Int("attempt", attempt).Msg("executor.Client registered")
				return sess, nil
			}
			_ = ws.Close()
		}
		log.Warn().Str("url", c.cfg.URL).Int("attempt", attempt).Err(err).Msg("executor.Client connect failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) register(ws *websocket.Conn) (*Session, error) {
	frame, err := wire.EncodeRegister(c.cfg.Identity)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := wire.DecodeOutbound(data)
	if err != nil || msg.Type != wire.TypeRegistered {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationRejected, data)
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})
	return &Session{ws: ws, identity: c.cfg.Identity, handler: c.handler, writeTimeout: c.cfg.WriteTimeout}, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	c.rngMu.Lock()
	delay := NextDelay(c.cfg.Backoff, attempt, c.rng)
	c.rngMu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Session is one registered gateway connection.
type Session struct {
	ws           *websocket.Conn
	identity     string
	handler      Handler
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *Session) Identity() string { return s.identity }

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ws.Close() })
	return err
}

// Serve reads commands until the socket fails or ctx is cancelled. Commands are handled
// concurrently; each answer is written as soon as it is ready.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		kind, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := wire.DecodeOutbound(data)
		if err != nil || msg.Type != wire.TypeCommand {
			log.Debug().Str("identity", s.identity).Err(err).Msg("executor.Session ignored frame")
			continue
		}
		wg.Add(1)
		go func(msg wire.Message) {
			defer wg.Done()
			s.answer(ctx, msg)
		}(msg)
	}
}

func (s *Session) answer(ctx context.Context, msg wire.Message) {
	out, err := s.handler.Handle(ctx, msg.CorrelationID, msg.Payload)
	if err != nil {
		out, _ = json.Marshal(map[string]any{"ok": false, "error": err.Error()})
	}
	frame, err := wire.EncodeResponse(msg.CorrelationID, out)
	if err != nil {
		log.Warn().Str("correlation_id", msg.CorrelationID).Err(err).Msg("executor.Session encode response failed")
		return
	}
	if err := s.Send(frame); err != nil {
		log.Warn().Str("correlation_id", msg.CorrelationID).Err(err).Msg("executor.Session write response failed")
	}
}

// Send writes one raw frame. Safe for concurrent use.
func (s *Session) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

// EchoHandler answers with the command payload plus ok:true. Object payloads keep
// their keys; anything else is returned under "echo".
func EchoHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		fields := map[string]json.RawMessage{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
				fields = map[string]json.RawMessage{"echo": payload}
			}
		}
		fields["ok"] = json.RawMessage("true")
		return json.Marshal(fields)
	})
}
