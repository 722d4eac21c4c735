package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dimitrije/taskflow-api/internal/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrTokenNotFound = errors.New("refresh token not found or expired")

// CredentialStore keeps password hashes apart from user documents.
type CredentialStore interface {
	SetPassword(ctx context.Context, userID uuid.UUID, hash string) error
	// PasswordHash returns ErrNoCredentials for users without a password.
	PasswordHash(ctx context.Context, userID uuid.UUID) (string, error)
}

var ErrNoCredentials = errors.New("no credentials for user")

// TokenStore remembers issued refresh tokens by hash. Consume removes a
// token as it validates it, so each refresh token works once.
type TokenStore interface {
	StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) error
	CleanupExpired(ctx context.Context) (int64, error)
}

// TokenService is the Postgres CredentialStore and TokenStore.
type TokenService struct {
	db *database.DB
}

func NewTokenService(db *database.DB) *TokenService {
	return &TokenService{db: db}
}

func (s *TokenService) SetPassword(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO user_credentials (user_id, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = NOW()
	`, userID, hash)
	return err
}

func (s *TokenService) PasswordHash(ctx context.Context, userID uuid.UUID) (string, error) {
	var hash string
	err := s.db.Pool.QueryRow(ctx, `SELECT password_hash FROM user_credentials WHERE user_id = $1`, userID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoCredentials
	}
	return hash, err
}

func (s *TokenService) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

func (s *TokenService) ConsumeRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.db.Pool.QueryRow(ctx, `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1 AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrTokenNotFound
	}
	return userID, err
}

func (s *TokenService) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	return err
}

func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type memoryToken struct {
	userID    uuid.UUID
	expiresAt time.Time
}

// MemoryTokens is the in-process CredentialStore and TokenStore used with
// the memory document store.
type MemoryTokens struct {
	mu        sync.Mutex
	passwords map[uuid.UUID]string
	tokens    map[string]memoryToken
	now       func() time.Time
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{
		passwords: make(map[uuid.UUID]string),
		tokens:    make(map[string]memoryToken),
		now:       time.Now,
	}
}

func (m *MemoryTokens) SetPassword(_ context.Context, userID uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[userID] = hash
	return nil
}

func (m *MemoryTokens) PasswordHash(_ context.Context, userID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.passwords[userID]
	if !ok {
		return "", ErrNoCredentials
	}
	return hash, nil
}

func (m *MemoryTokens) StoreRefreshToken(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = memoryToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryTokens) ConsumeRefreshToken(_ context.Context, tokenHash string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[tokenHash]
	if !ok || !tok.expiresAt.After(m.now()) {
		return uuid.Nil, ErrTokenNotFound
	}
	delete(m.tokens, tokenHash)
	return tok.userID, nil
}

func (m *MemoryTokens) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenHash)
	return nil
}

func (m *MemoryTokens) RevokeAllUserTokens(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, tok := range m.tokens {
		if tok.userID == userID {
			delete(m.tokens, hash)
		}
	}
	return nil
}

func (m *MemoryTokens) CleanupExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for hash, tok := range m.tokens {
		if !tok.expiresAt.After(now) {
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}
