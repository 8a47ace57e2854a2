// Package config renders starter files for a relayctl deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	KindRelay = "relay"
	KindEnv   = "env"
)

var ErrExists = errors.New("config already exists")

// Kinds lists the template kinds in a stable order.
func Kinds() []string {
	return []string{KindRelay, KindEnv}
}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRelay, "":
		return relayTemplate, nil
	case KindEnv, "dotenv":
		return envTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind %q (want one of %s)", kind, strings.Join(Kinds(), ", "))
	}
}

// WriteTemplate writes the template for kind to path, creating parent
// directories. An existing file is kept unless overwrite is set.
func WriteTemplate(path, kind string, overwrite bool) error {
	body, err := Template(kind)
	if err != nil {
		return err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("config path is required")
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(body), 0o600)
}

const relayTemplate = `node_name = "relayctl"
addr = ":9000"
executor_path = "/ws"

# bearer tokens for /commands, /responses and the other controller routes
controller_tokens = []
# bearer tokens executors present on the upgrade request
executor_tokens = []

# tls_cert_file = "/etc/relayctl/tls.crt"
# tls_key_file = "/etc/relayctl/tls.key"
shutdown_timeout = "10s"

response_ttl = "5m"
sweep_interval = "60s"
poll_interval = "300ms"
wait_deadline = "8s"
write_timeout = "10s"

ping_interval = "30s"
dead_after = "60s"
allowed_origins = []

# memory | redis
store_backend = "memory"
# redis_url = "redis://127.0.0.1:6379/0"
redis_prefix = "relayctl:resp:"

[documents]
enabled = false
base_url = "https://api.figma.com/v1"
timeout = "15s"
cache_ttl = "60s"
cache_backend = "memory"
cache_prefix = "relayctl:doc:"
# token_db = "data/tokens.db"

[documents.tokens]
`

const envTemplate = `# relayctl environment overrides, loaded by --env-file
# RELAYCTL_ADDR=:9000
# RELAYCTL_REDIS_URL=redis://127.0.0.1:6379/0
# RELAYCTL_CONTROLLER_TOKEN=
# RELAYCTL_EXECUTOR_TOKEN=
# RELAYCTL_TOKEN_DB=data/tokens.db
# RELAYCTL_LOG_LEVEL=info
`
