package services

import (
	"context"
	"net/http"

	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/models"
)

// AuthServiceProvider defines the interface for the backend's auth endpoints.
type AuthServiceProvider interface {
	Login(ctx context.Context, payload models.LoginPayload) (models.LoginResponse, error)
	Register(ctx context.Context, payload models.RegisterPayload) error
	Logout(ctx context.Context) error
	Me(ctx context.Context) (models.UserProfile, error)
}

// AuthService calls the auth endpoints through the Resilient Client.
type AuthService struct {
	client client.Requester
}

// NewAuthService creates a new AuthService.
func NewAuthService(c client.Requester) *AuthService {
	return &AuthService{client: c}
}

// Login exchanges email and password for a profile and an access credential.
func (s *AuthService) Login(ctx context.Context, payload models.LoginPayload) (models.LoginResponse, error) {
	var resp models.LoginResponse
	err := s.client.JSON(ctx, http.MethodPost, "/auth/login", payload, &resp)
	return resp, err
}

// Register creates an account. It does not start a session.
func (s *AuthService) Register(ctx context.Context, payload models.RegisterPayload) error {
	return s.client.JSON(ctx, http.MethodPost, "/auth/register", payload, nil)
}

// Logout ends the backend session and its refresh cookie.
func (s *AuthService) Logout(ctx context.Context) error {
	return s.client.JSON(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me fetches the profile bound to the current credential.
func (s *AuthService) Me(ctx context.Context) (models.UserProfile, error) {
	var user models.UserProfile
	err := s.client.JSON(ctx, http.MethodGet, "/auth/me", nil, &user)
	return user, err
}
