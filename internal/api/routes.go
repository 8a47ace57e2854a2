package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/documents"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// statusClientClosed marks a retrieval abandoned by its caller.
const statusClientClosed = 499

type commandRequest struct {
	TargetIdentity string          `json:"target_identity"`
	TargetCamel    string          `json:"targetIdentity"`
	CorrelationID  string          `json:"correlation_id"`
	CorrelationJS  string          `json:"correlationId"`
	Payload        json.RawMessage `json:"payload"`
}

type connectionView struct {
	Identity   string    `json:"identity"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	BoundAt    time.Time `json:"bound_at"`
}

func (h *handlers) registerOperational(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(h.deps.Started).String(),
			"component": "relayctl-api",
			"version":   Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := h.deps.Relay != nil
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready":     ready,
			"uptime":    time.Since(h.deps.Started).String(),
			"component": "relayctl-api",
			"version":   Version,
		}
		if ready {
			body["executors"] = h.deps.Relay.Registry().Len()
		}
		c.JSON(status, body)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *handlers) registerController(r gin.IRouter) {
	r.POST("/commands", h.postCommand)
	r.GET("/responses/:identity", h.getResponse)
	r.GET("/connections", h.getConnections)
	r.GET("/documents/:identity/:key", h.getDocument)
	r.GET("/tokens", h.getTokens)
}

func (h *handlers) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"delivered": false, "error": "malformed body"})
		return
	}
	cmd := relay.Command{
		TargetIdentity: firstNonEmpty(req.TargetIdentity, req.TargetCamel),
		CorrelationID:  firstNonEmpty(req.CorrelationID, req.CorrelationJS),
		Payload:        req.Payload,
	}

	res, err := h.deps.Relay.Dispatch(c.Request.Context(), cmd)
	var delivery *relay.DeliveryError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"delivered": true, "correlation_id": res.CorrelationID})
	case errors.Is(err, relay.ErrIdentityRequired):
		c.JSON(http.StatusBadRequest, gin.H{"delivered": false, "error": "target identity required"})
	case errors.As(err, &delivery):
		c.JSON(http.StatusBadGateway, gin.H{"delivered": false, "error": delivery.Reason})
	default:
		log.Error().Err(err).Str("identity", cmd.TargetIdentity).Msg("api.postCommand dispatch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"delivered": false, "error": "internal error"})
	}
}

func (h *handlers) getResponse(c *gin.Context) {
	wait, err := parseFlag(c.Query("wait"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a boolean"})
		return
	}
	req := relay.RetrieveRequest{
		Identity:      c.Param("identity"),
		CorrelationID: firstNonEmpty(c.Query("correlation_id"), c.Query("correlationId")),
		Wait:          wait,
	}

	resp, err := h.deps.Relay.Retrieve(c.Request.Context(), req)
	switch {
	case err == nil:
		payload := resp.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if resp.CorrelationID != "" {
			c.Header("X-Correlation-Id", resp.CorrelationID)
		}
		c.Data(http.StatusOK, "application/json", payload)
	case errors.Is(err, relay.ErrIdentityRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity required"})
	case errors.Is(err, relay.ErrNotFoundYet):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found yet"})
	case errors.Is(err, relay.ErrTimeout):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "timeout"})
	case c.Request.Context().Err() != nil:
		c.AbortWithStatus(statusClientClosed)
	default:
		log.Error().Err(err).Str("identity", req.Identity).Msg("api.getResponse retrieve failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *handlers) getConnections(c *gin.Context) {
	snap := h.deps.Relay.Registry().Snapshot()
	out := make([]connectionView, 0, len(snap))
	for _, b := range snap {
		out = append(out, connectionView{
			Identity:   b.Identity,
			ConnID:     b.ConnID,
			RemoteAddr: b.RemoteAddr,
			BoundAt:    b.BoundAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (h *handlers) getDocument(c *gin.Context) {
	if h.deps.Documents == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "documents not configured"})
		return
	}
	refresh, err := parseFlag(c.Query("refresh"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh must be a boolean"})
		return
	}

	body, err := h.deps.Documents.Fetch(c.Request.Context(), c.Param("identity"), c.Param("key"), refresh)
	var upstream *documents.UpstreamError
	switch {
	case err == nil:
		c.Data(http.StatusOK, "application/json", body)
	case errors.Is(err, documents.ErrNoCredential):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no token for identity " + c.Param("identity")})
	case errors.Is(err, documents.ErrKeyRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "document key required"})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream error", "upstream_status": upstream.Status})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (h *handlers) getTokens(c *gin.Context) {
	if h.deps.Tokens == nil {
		c.JSON(http.StatusOK, gin.H{"tokens": []any{}})
		return
	}
	tokens, err := h.deps.Tokens.List(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("api.getTokens list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func parseFlag(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
