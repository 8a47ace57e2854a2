package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const tokensSchema = `
CREATE TABLE IF NOT EXISTS tokens (
	user_id       TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT,
	expires_at    INTEGER,
	created_at    INTEGER DEFAULT (strftime('%s', 'now'))
)`

// SQLiteStore keeps tokens in the tokens table keyed by identity.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating when needed) the token database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credentials: sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("credentials: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("credentials: open %q: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(tokensSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credentials: migrate: %w", err)
	}
	log.Debug().Str("path", path).Msg("credentials.OpenSQLite ready")
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Credential returns the access token for identity unless it has expired.
func (s *SQLiteStore) Credential(ctx context.Context, identity string) (string, bool, error) {
	tok, err := s.Get(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if tok.Expired(s.now()) {
		log.Debug().Str("identity", tok.Identity).Time("expires_at", tok.ExpiresAt).Msg("credentials.SQLiteStore token expired")
		return "", false, nil
	}
	return tok.AccessToken, true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, identity string) (Token, error) {
	identity = strings.TrimSpace(identity)
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at, created_at FROM tokens WHERE user_id = ?`,
		identity)

	var (
		tok       Token
		refresh   sql.NullString
		expiresAt sql.NullInt64
		createdAt sql.NullInt64
	)
	if err := row.Scan(&tok.Identity, &tok.AccessToken, &refresh, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("credentials: get %q: %w", identity, err)
	}
	tok.RefreshToken = refresh.String
	tok.ExpiresAt = unixOrZero(expiresAt)
	tok.CreatedAt = unixOrZero(createdAt)
	return tok, nil
}

// Upsert stores tok, replacing any previous token for the same identity.
func (s *SQLiteStore) Upsert(ctx context.Context, tok Token) error {
	identity := strings.TrimSpace(tok.Identity)
	if identity == "" {
		return errors.New("credentials: identity required")
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return errors.New("credentials: access token required")
	}
	var expires any
	if !tok.ExpiresAt.IsZero() {
		expires = tok.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (user_id, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		identity, tok.AccessToken, nullString(tok.RefreshToken), expires)
	if err != nil {
		return fmt.Errorf("credentials: upsert %q: %w", identity, err)
	}
	return nil
}

// List returns token metadata ordered by identity. Secrets are left empty.
func (s *SQLiteStore) List(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, expires_at, created_at FROM tokens ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("credentials: list: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var (
			tok       Token
			expiresAt sql.NullInt64
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&tok.Identity, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("credentials: list scan: %w", err)
		}
		tok.ExpiresAt = unixOrZero(expiresAt)
		tok.CreatedAt = unixOrZero(createdAt)
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ?`, strings.TrimSpace(identity))
	if err != nil {
		return fmt.Errorf("credentials: delete: %w", err)
	}
	return nil
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
