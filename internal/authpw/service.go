// Package authpw provides employee-id/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jujuerrors "github.com/juju/errors"
	"golang.org/x/crypto/bcrypt"

	"loanops/api/internal/rbac"
	"loanops/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid employee id or password")
	ErrInactiveUser       = errors.New("user is deactivated")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// Service authenticates users against bcrypt password hashes
type Service struct {
	store UserStore
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUser(ctx context.Context, employeeID string) (store.User, error)
	UpsertUser(ctx context.Context, user store.User) error
	UpdateUser(ctx context.Context, employeeID string, update store.UserUpdate) (store.User, error)
	TouchLogin(ctx context.Context, employeeID string, at time.Time) error
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, now: time.Now}
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	EmployeeID string
	Password   string
}

// SignIn authenticates a user and records the login time
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	employeeID := strings.TrimSpace(req.EmployeeID)
	if employeeID == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUser(ctx, employeeID)
	if jujuerrors.Is(err, jujuerrors.NotFound) {
		return store.User{}, ErrInvalidCredentials
	} else if err != nil {
		return store.User{}, err
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}

	// Verify password before revealing account state
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.Active {
		return store.User{}, ErrInactiveUser
	}

	now := s.now().UTC()
	if err := s.store.TouchLogin(ctx, user.EmployeeID, now); err == nil {
		user.LastLogin = &now
	}
	return user, nil
}

// ChangePasswordRequest contains password change parameters
type ChangePasswordRequest struct {
	EmployeeID      string
	CurrentPassword string
	NewPassword     string
}

// ChangePassword replaces a user's password after checking the current one
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if _, err := s.SignIn(ctx, SignInRequest{EmployeeID: req.EmployeeID, Password: req.CurrentPassword}); err != nil {
		return err
	}
	return s.SetPassword(ctx, req.EmployeeID, req.NewPassword)
}

// SetPassword overwrites a user's password without checking the old one
func (s *Service) SetPassword(ctx context.Context, employeeID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := s.store.UpdateUser(ctx, employeeID, store.UserUpdate{PasswordHash: &hash}); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// EnsureAdmin creates or refreshes the bootstrap administrator. An empty
// password leaves any existing account untouched.
func (s *Service) EnsureAdmin(ctx context.Context, employeeID, password string) error {
	if strings.TrimSpace(employeeID) == "" || password == "" {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	user, err := s.store.GetUser(ctx, employeeID)
	switch {
	case jujuerrors.Is(err, jujuerrors.NotFound):
		user = store.User{
			EmployeeID:       employeeID,
			Name:             "Administrator",
			AssignedBranches: []string{"Multiple"},
			Permissions:      []string{},
			CreatedAt:        s.now().UTC(),
		}
	case err != nil:
		return err
	case bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil && user.Role == string(rbac.RoleAdmin) && user.Active:
		return nil
	}
	user.Role = string(rbac.RoleAdmin)
	user.Active = true
	user.PasswordHash = hash
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("upsert admin: %w", err)
	}
	return nil
}

// HashPassword validates and bcrypt-hashes a password
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
