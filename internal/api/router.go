// Package api serves the controller-facing HTTP surface.
//
// Ownership boundary:
// - request parsing and status mapping for dispatch and retrieval
// - read-only views over the connection registry and stored tokens
// - mounting the executor gateway and operational endpoints
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/credentials"
	"github.com/danmuck/relayctl/internal/documents"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/gin-gonic/gin"
)

const Version = "0.1.0"

// TokenLister exposes stored token metadata without secrets.
type TokenLister interface {
	List(ctx context.Context) ([]credentials.Token, error)
}

// Deps wires the router. Only Relay is required.
type Deps struct {
	NodeName     string
	Relay        *relay.Relay
	Gateway      http.Handler
	ExecutorPath string
	Documents    *documents.Fetcher
	Tokens       TokenLister
	Auth         auth.Validator
	Started      time.Time
}

type handlers struct {
	deps Deps
}

// NewRouter builds the gin engine. Controller routes sit behind Auth when set;
// health, readiness, metrics and the executor endpoint do not.
func NewRouter(d Deps) *gin.Engine {
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	if strings.TrimSpace(d.NodeName) == "" {
		d.NodeName = "relayctl"
	}
	observability.RegisterMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(observability.Component(d.NodeName, "api")))
	router.Use(observability.RequestMetricsMiddleware(d.NodeName))

	h := &handlers{deps: d}
	h.registerOperational(router)

	if d.Gateway != nil {
		path := strings.TrimSpace(d.ExecutorPath)
		if path == "" {
			path = "/ws"
		}
		router.GET(path, gin.WrapH(d.Gateway))
	}

	controller := router.Group("/")
	controller.Use(auth.Middleware(d.Auth))
	h.registerController(controller)
	return router
}
