// Package user registers accounts and exchanges credentials for tokens.
package user

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
	"mailpulse/pkg/rbac"
)

var (
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInput       = errors.New("a valid email and a password of at least 8 characters are required")
)

const minPasswordLen = 8

type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

type AuthService struct {
	users  UserStore
	tokens *auth.TokenIssuer
}

func NewAuthService(users UserStore, tokens *auth.TokenIssuer) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a new user with the default role.
func (s *AuthService) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || len(password) < minPasswordLen {
		return nil, ErrInvalidInput
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Email:        email,
		PasswordHash: hash,
		Role:         rbac.RoleUser,
	}
	// 唯一索引兜底并发注册
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailExists
		}
		return nil, err
	}
	return u, nil
}

// Login checks user credentials and returns a signed token.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	u, err := s.users.FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if !auth.CheckPassword(password, u.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Generate(auth.Principal{UserID: u.ID, Role: u.Role})
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}
