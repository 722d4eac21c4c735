package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = apperr.Permission(errors.New("invalid email or password"))
	ErrInvalidToken       = apperr.Permission(errors.New("invalid or expired token"))
)

const minPasswordLength = 8

// AuthService signs users up and in, and turns tokens back into sessions.
// Every sign-in, sign-out and revocation is published on the broker so
// live connections can follow the session.
type AuthService struct {
	users  *UserService
	creds  CredentialStore
	tokens TokenStore
	jwt    *JWTService
	broker *session.Broker
	log    *logrus.Entry
	now    func() time.Time
	cost   int

	mu            sync.Mutex
	revoked       map[uuid.UUID]time.Time // session id -> until
	revokedBefore map[uuid.UUID]time.Time // user id -> sessions issued earlier are void
}

type AuthOption func(*AuthService)

func WithAuthLogger(log *logrus.Entry) AuthOption {
	return func(s *AuthService) { s.log = log }
}

func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

// WithBcryptCost lowers the hashing cost in tests.
func WithBcryptCost(cost int) AuthOption {
	return func(s *AuthService) { s.cost = cost }
}

func NewAuthService(users *UserService, creds CredentialStore, tokens TokenStore, jwt *JWTService, broker *session.Broker, opts ...AuthOption) *AuthService {
	s := &AuthService{
		users:         users,
		creds:         creds,
		tokens:        tokens,
		jwt:           jwt,
		broker:        broker,
		log:           logrus.NewEntry(logrus.StandardLogger()),
		now:           time.Now,
		cost:          bcrypt.DefaultCost,
		revoked:       make(map[uuid.UUID]time.Time),
		revokedBefore: make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is a signed-in session with its tokens.
type Result struct {
	User    *models.User
	Session session.Session
	Tokens  *TokenPair
}

func (s *AuthService) Register(ctx context.Context, email, password, displayName string) (*Result, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, apperr.Invalid("email", "must be a valid email address")
	}
	if len(password) < minPasswordLength {
		return nil, apperr.Invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email[:strings.Index(email, "@")]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.Create(ctx, email, displayName)
	if err != nil {
		return nil, err
	}
	if err := s.creds.SetPassword(ctx, user.ID, string(hash)); err != nil {
		if derr := s.users.Delete(ctx, user.ID); derr != nil {
			s.log.WithError(derr).WithField("user_id", user.ID).Error("failed to remove user without credentials")
		}
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}

	s.log.WithField("user_id", user.ID).Info("user registered")
	return s.signIn(ctx, user, uuid.New())
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*Result, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	hash, err := s.creds.PasswordHash(ctx, user.ID)
	if errors.Is(err, ErrNoCredentials) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.signIn(ctx, user, uuid.New())
}

// Refresh trades a refresh token for a new pair. The old refresh token is
// consumed; the session id carries over.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	userID, sessionID, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}
	owner, err := s.tokens.ConsumeRefreshToken(ctx, HashToken(refreshToken))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if owner != userID || s.isRevoked(userID, sessionID, time.Time{}) {
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user, sessionID)
}

// Logout ends one session. refreshToken may be empty.
func (s *AuthService) Logout(ctx context.Context, sess session.Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.tokens.RevokeRefreshToken(ctx, HashToken(refreshToken)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.revoked[sess.ID] = s.now().Add(s.jwt.AccessExpiry())
	s.mu.Unlock()

	s.broker.Publish(session.Event{Kind: session.SignedOut, UserID: sess.UserID, SessionID: sess.ID, At: s.now()})
	return nil
}

// LogoutAll ends every session of the user.
func (s *AuthService) LogoutAll(ctx context.Context, sess session.Session) error {
	if err := s.tokens.RevokeAllUserTokens(ctx, sess.UserID); err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	s.revokedBefore[sess.UserID] = now
	s.mu.Unlock()

	s.log.WithField("user_id", sess.UserID).Info("all sessions revoked")
	s.broker.Publish(session.Event{Kind: session.Revoked, UserID: sess.UserID, At: now})
	return nil
}

// Authenticate turns an access token into its session.
func (s *AuthService) Authenticate(token string) (session.Session, error) {
	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return session.Anonymous, ErrInvalidToken
	}
	sess := claims.Session()
	if s.isRevoked(sess.UserID, sess.ID, sess.IssuedAt) {
		return session.Anonymous, ErrInvalidToken
	}
	return sess, nil
}

// PurgeExpired drops expired refresh tokens and revocations that outlived
// the tokens they were guarding.
func (s *AuthService) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now()
	s.mu.Lock()
	for id, until := range s.revoked {
		if now.After(until) {
			delete(s.revoked, id)
		}
	}
	for id, at := range s.revokedBefore {
		if now.Sub(at) > s.jwt.RefreshExpiry() {
			delete(s.revokedBefore, id)
		}
	}
	s.mu.Unlock()

	return s.tokens.CleanupExpired(ctx)
}

func (s *AuthService) isRevoked(userID, sessionID uuid.UUID, issuedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[sessionID]; ok {
		return true
	}
	before, ok := s.revokedBefore[userID]
	if !ok {
		return false
	}
	// A zero issuedAt comes from a refresh token, which LogoutAll already
	// deleted from the token store.
	return !issuedAt.IsZero() && !issuedAt.After(before)
}

func (s *AuthService) signIn(ctx context.Context, user *models.User, sessionID uuid.UUID) (*Result, error) {
	res, err := s.issue(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}
	s.broker.Publish(session.Event{Kind: session.SignedIn, UserID: user.ID, SessionID: sessionID, Session: res.Session, At: res.Session.IssuedAt})
	return res, nil
}

func (s *AuthService) issue(ctx context.Context, user *models.User, sessionID uuid.UUID) (*Result, error) {
	sess := session.Session{
		ID:          sessionID,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		IssuedAt:    s.now(),
	}
	pair, err := s.jwt.GenerateTokenPair(sess)
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(s.jwt.RefreshExpiry())
	if err := s.tokens.StoreRefreshToken(ctx, user.ID, HashToken(pair.RefreshToken), expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return &Result{User: user, Session: sess, Tokens: pair}, nil
}
