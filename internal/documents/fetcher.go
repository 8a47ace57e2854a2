// Package documents fetches upstream design documents on behalf of an identity.
//
// Ownership boundary:
// - resolving the identity's bearer token through credentials.Provider
// - one authorized GET to <base_url>/files/<key>
// - serving and filling the doccache unless the caller asks for a refresh
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/credentials"
	"github.com/danmuck/relayctl/internal/doccache"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://api.figma.com/v1"
	DefaultTimeout = 15 * time.Second
	// MaxDocumentBytes bounds one upstream body.
	MaxDocumentBytes = 32 << 20
)

var (
	ErrNoCredential = errors.New("documents: no credential for identity")
	ErrKeyRequired  = errors.New("documents: document key required")
)

// UpstreamError reports a non-2xx upstream answer. Body is truncated.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("documents: upstream status %d: %s", e.Status, e.Body)
}

// Config selects the upstream and request timeout.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Fetcher struct {
	baseURL string
	client  *http.Client
	creds   credentials.Provider
	cache   doccache.Cache
}

// NewFetcher builds a Fetcher. A nil cache disables caching.
func NewFetcher(cfg Config, creds credentials.Provider, cache doccache.Cache) *Fetcher {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		baseURL: base,
		client:  &http.Client{Timeout: timeout},
		creds:   creds,
		cache:   cache,
	}
}

// Fetch returns the document body for key as seen by identity. refresh skips the
// cache read but still refreshes the cached copy.
func (f *Fetcher) Fetch(ctx context.Context, identity, key string, refresh bool) ([]byte, error) {
	start := time.Now()
	identity = strings.TrimSpace(identity)
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyRequired
	}
	cacheKey := identity + "/" + key

	if !refresh && f.cache != nil {
		body, ok, err := f.cache.Get(ctx, cacheKey)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("documents.Fetch cache read failed")
		} else if ok {
			observability.RecordDocumentFetch("cache", http.StatusOK, time.Since(start))
			return body, nil
		}
	}

	token, ok, err := f.credential(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.RecordDocumentFetch("upstream", http.StatusUnauthorized, time.Since(start))
		return nil, fmt.Errorf("%w: %q", ErrNoCredential, identity)
	}

	body, status, err := f.get(ctx, "/files/"+url.PathEscape(key), token)
	observability.RecordDocumentFetch("upstream", status, time.Since(start))
	if err != nil {
		log.Error().Str("identity", identity).Str("key", key).Int("status", status).Err(err).Msg("documents.Fetch upstream failed")
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.Put(ctx, cacheKey, body); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("documents.Fetch cache write failed")
		}
	}
	log.Info().Str("identity", identity).Str("key", key).Bool("refresh", refresh).Int("bytes", len(body)).Msg("documents.Fetch upstream")
	return body, nil
}

func (f *Fetcher) credential(ctx context.Context, identity string) (string, bool, error) {
	if f.creds == nil || identity == "" {
		return "", false, nil
	}
	token, ok, err := f.creds.Credential(ctx, identity)
	if err != nil {
		return "", false, fmt.Errorf("documents: credential lookup: %w", err)
	}
	return token, ok, nil
}

func (f *Fetcher) get(ctx context.Context, path, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("documents: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("documents: upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentBytes))
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("documents: read upstream body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, resp.StatusCode, &UpstreamError{Status: resp.StatusCode, Body: snippet}
	}
	return body, resp.StatusCode, nil
}
