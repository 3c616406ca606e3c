package models

import "time"

// UserProfile represents the authenticated user as seen by the client.
type UserProfile struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginPayload defines the structure for login requests.
type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterPayload defines the structure for registration requests.
type RegisterPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	User        UserProfile `json:"user"`
	AccessToken string      `json:"accessToken"`
}

// RefreshResponse is returned by a successful credential refresh.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}
