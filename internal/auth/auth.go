// Package auth issues and resolves the short-lived tokens that bind a
// WebSocket connection to a user identity. Full identity management lives
// outside this service; here it is just enough to trust a connection.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"atendo/internal/models"
	"atendo/internal/storage"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenExpiry = 24 * time.Hour

var ErrLoginFailed = errors.New("login failed")

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token       string      `json:"token"`
	TokenExpiry int64       `json:"tokenExpiry"`
	User        models.User `json:"user"`
}

type CredentialsStore interface {
	FindCredentialsByName(name string) (storage.Credentials, error)
}

type Config struct {
	TokenExpiry time.Duration
}

type Service struct {
	Config
	store      CredentialsStore
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewService(ctx context.Context, config Config, store CredentialsStore) *Service {
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}
	return &Service{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}
}

// Login verifies the password against the stored bcrypt hash and issues a
// live token. Failures are deliberately indistinguishable to the caller.
func (s *Service) Login(req LoginRequest) (LoginResponse, error) {
	if req.Username == "" || req.Password == "" {
		return LoginResponse{}, ErrLoginFailed
	}

	creds, err := s.store.FindCredentialsByName(req.Username)
	if err != nil {
		return LoginResponse{}, ErrLoginFailed
	}
	if bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)) != nil {
		return LoginResponse{}, ErrLoginFailed
	}

	token, err := generateToken()
	if err != nil {
		slog.Error("token generation failed", "user_id", creds.ID, "error", err)
		return LoginResponse{}, ErrLoginFailed
	}
	s.liveTokens.Set(token, creds.ID)

	return LoginResponse{
		Token:       token,
		TokenExpiry: s.now().Add(s.TokenExpiry).Unix(),
		User:        creds.User,
	}, nil
}

func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(token)
}

// GetUserID resolves a live token to the user it was issued for.
func (s *Service) GetUserID(token string) (string, error) {
	return s.liveTokens.Get(token)
}

// HashPassword produces the bcrypt hash stored alongside a user record.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
