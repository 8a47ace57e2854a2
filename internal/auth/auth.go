// Package auth guards the controller API with bearer tokens.
//
// It holds no token storage. Callers supply a Validator.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingToken = errors.New("auth: missing bearer token")
)

// Validator validates a controller token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts one or more shared tokens. An empty set denies everything.
type StaticToken struct {
	Tokens []string
}

func NewStaticToken(tokens ...string) StaticToken {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return StaticToken{Tokens: out}
}

func (s StaticToken) Validate(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	matched := 0
	for _, want := range s.Tokens {
		matched |= subtle.ConstantTimeCompare([]byte(want), []byte(token))
	}
	if matched != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Middleware rejects requests without a valid bearer token. A nil validator
// disables the check.
func Middleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		token, err := BearerToken(c.GetHeader("Authorization"))
		if err == nil {
			err = v.Validate(token)
		}
		if err != nil {
			log.Debug().Str("path", c.Request.URL.Path).Err(err).Msg("auth.Middleware denied")
			c.Header("WWW-Authenticate", `Bearer realm="relayctl"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
