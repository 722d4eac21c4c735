package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
)

var ErrEmailTaken = fmt.Errorf("email already registered: %w", apperr.ErrDuplicate)

// UserService reads and creates user documents. Profile changes go through
// the mutation gateway.
type UserService struct {
	store store.Store
}

func NewUserService(s store.Store) *UserService {
	return &UserService{store: s}
}

func (s *UserService) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	doc, err := s.store.Get(ctx, store.Users, id.String())
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := doc.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail returns an apperr.ErrNotFound error when no user has email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	snap, err := s.store.Read(ctx, query.New(store.Users, query.Where("email", query.Eq, email)))
	if err != nil {
		return nil, err
	}
	users, err := store.DecodeAll[models.User](snap.Docs)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, apperr.NotFound(fmt.Errorf("user %s", email))
	}
	return &users[0], nil
}

// Create writes a new user. A taken email fails with ErrEmailTaken.
func (s *UserService) Create(ctx context.Context, email, displayName string) (*models.User, error) {
	email = normalizeEmail(email)
	if _, err := s.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	user := models.User{ID: uuid.New(), Email: email, DisplayName: displayName}
	ack, err := s.store.Set(ctx, store.Users, user.ID.String(), store.Patch{
		"email":        user.Email,
		"display_name": user.DisplayName,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user.CreatedAt, user.UpdatedAt = ack.CreatedAt, ack.UpdatedAt
	return &user, nil
}

// Delete removes a user document; used to undo a half-finished
// registration.
func (s *UserService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, store.Users, id.String())
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
