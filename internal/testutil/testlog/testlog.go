// Package testlog applies the test logging profile and tags output with the test name.
package testlog

import (
	"testing"

	"github.com/danmuck/relayctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and returns a logger scoped to t.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	l := log.With().Str("test", t.Name()).Logger()
	l.Info().Msg("testlog.Start")
	t.Cleanup(func() {
		l.Debug().Bool("failed", t.Failed()).Msg("testlog.Done")
	})
	return l
}
