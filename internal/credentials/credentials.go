// Package credentials resolves per-identity bearer tokens for upstream document fetches.
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("credentials: token not found")

// Provider returns the access token for identity. ok is false when no usable token exists.
type Provider interface {
	Credential(ctx context.Context, identity string) (token string, ok bool, err error)
}

// Token is one stored upstream credential.
type Token struct {
	Identity     string    `json:"identity"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Expired reports whether t has a known expiry at or before now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Static serves tokens from configuration. Static tokens never expire.
type Static map[string]string

func (s Static) Credential(_ context.Context, identity string) (string, bool, error) {
	token, ok := s[strings.TrimSpace(identity)]
	if !ok || strings.TrimSpace(token) == "" {
		return "", false, nil
	}
	return token, true, nil
}

// Chain asks each provider in order and returns the first usable token.
type Chain []Provider

func (c Chain) Credential(ctx context.Context, identity string) (string, bool, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		token, ok, err := p.Credential(ctx, identity)
		if err != nil {
			return "", false, err
		}
		if ok {
			return token, true, nil
		}
	}
	return "", false, nil
}
