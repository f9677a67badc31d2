package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Scope strings recognized by the API.
const (
	ScopeSessionsRead  = "sessions:read"
	ScopeSessionsWrite = "sessions:write"
	ScopeRoomsWrite    = "rooms:write"
	ScopeWallRead      = "wall:read"
	ScopeWallWrite     = "wall:write"
)

// ErrInvalidToken is returned when a token does not verify.
var ErrInvalidToken = errors.New("invalid api key")

// Credential is a stored API key. Scopes of nil means all scopes.
type Credential struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	KeyHash    string     `db:"key_hash" json:"-"`
	Scopes     []string   `db:"-" json:"scopes"`
	CreatedAt  time.Time  `db:"-" json:"created_at"`
	LastUsedAt *time.Time `db:"-" json:"last_used_at"`
}

// HasScope reports whether the credential grants the scope. A credential
// with no explicit scope set grants everything.
func (c *Credential) HasScope(scope string) bool {
	if c.Scopes == nil {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type credentialRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	KeyHash    string         `db:"key_hash"`
	Scopes     sql.NullString `db:"scopes"`
	CreatedAt  string         `db:"created_at"`
	LastUsedAt sql.NullString `db:"last_used_at"`
}

func (r *credentialRow) toCredential() (*Credential, error) {
	cred := &Credential{
		ID:      r.ID,
		Name:    r.Name,
		KeyHash: r.KeyHash,
	}
	if r.Scopes.Valid {
		cred.Scopes = []string{}
		if raw := strings.TrimSpace(r.Scopes.String); raw != "" {
			for _, scope := range strings.Split(raw, ",") {
				cred.Scopes = append(cred.Scopes, strings.TrimSpace(scope))
			}
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		cred.CreatedAt = t
	}
	if r.LastUsedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, r.LastUsedAt.String); err == nil {
			cred.LastUsedAt = &t
		}
	}
	return cred, nil
}

// Store persists and verifies credentials.
type Store struct {
	db     *sqlx.DB
	prefix string
}

// NewStore creates a credential store. prefix is the token prefix without
// the trailing underscore, e.g. "scribe_sk".
func NewStore(db *sqlx.DB, prefix string) *Store {
	return &Store{db: db, prefix: prefix}
}

// Mint creates a credential and returns it with the plaintext token. A nil
// scopes slice grants all scopes; an explicit slice restricts the key.
func (s *Store) Mint(ctx context.Context, name string, scopes []string) (*Credential, string, error) {
	token, err := GenerateToken(s.prefix)
	if err != nil {
		return nil, "", err
	}

	cred := &Credential{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   HashToken(token),
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}

	// NULL means all scopes; anything else is a comma-separated allow list.
	var scopesValue interface{}
	if scopes != nil {
		scopesValue = strings.Join(scopes, ",")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO api_keys (id, name, key_hash, scopes, created_at) VALUES (?, ?, ?, ?, ?)`),
		cred.ID, cred.Name, cred.KeyHash, scopesValue, cred.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}
	return cred, token, nil
}

// Verify checks a plaintext token and returns its credential. A successful
// verify updates last_used_at.
func (s *Store) Verify(ctx context.Context, token string) (*Credential, error) {
	if !HasPrefix(token, s.prefix) {
		return nil, ErrInvalidToken
	}

	hash := HashToken(token)
	var row credentialRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT id, name, key_hash, scopes, created_at, last_used_at FROM api_keys WHERE key_hash = ?`),
		hash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(row.KeyHash), []byte(hash)) != 1 {
		return nil, ErrInvalidToken
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`),
		now.Format(time.RFC3339Nano), row.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update last_used_at: %w", err)
	}

	cred, err := row.toCredential()
	if err != nil {
		return nil, err
	}
	cred.LastUsedAt = &now
	return cred, nil
}

// VerifyToken implements the stream layer's TokenVerifier.
func (s *Store) VerifyToken(ctx context.Context, token string) (string, error) {
	cred, err := s.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return cred.Name, nil
}

// GetByID fetches a credential by id.
func (s *Store) GetByID(ctx context.Context, id string) (*Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT id, name, key_hash, scopes, created_at, last_used_at FROM api_keys WHERE id = ?`),
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return row.toCredential()
}

// Delete removes a credential. Tokens for deleted credentials stop
// verifying immediately.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM api_keys WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvalidToken
	}
	return nil
}
