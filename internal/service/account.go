// Package service provides the business logic over the stores: the ledger
// that owns every balance change and the account lookups the game needs.
package service

import (
	"context"
	"errors"
	"fmt"

	"telegram-bingo/internal/model"
	"telegram-bingo/internal/repository"
)

// ErrUserNotFound is returned when an identity has no account.
var ErrUserNotFound = repository.ErrUserNotFound

// UserStore is the identity store collaborator.
type UserStore interface {
	Create(ctx context.Context, userID int64, displayName string, balance int64) (*model.User, error)
	GetByID(ctx context.Context, userID int64) (*model.User, error)
}

// AccountService handles user account lookups.
type AccountService struct {
	users UserStore
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(users UserStore) *AccountService {
	return &AccountService{users: users}
}

// GetUser returns the account with its balance and display name.
func (s *AccountService) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetBalance retrieves a user's current balance.
func (s *AccountService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// Register opens an account with an opening balance. Used by the
// registration collaborator and for seeding the in-memory store.
func (s *AccountService) Register(ctx context.Context, userID int64, displayName string, balance int64) (*model.User, error) {
	if balance < 0 {
		return nil, ErrInvalidAmount
	}
	user, err := s.users.Create(ctx, userID, displayName, balance)
	if err != nil {
		return nil, fmt.Errorf("failed to register user: %w", err)
	}
	return user, nil
}
