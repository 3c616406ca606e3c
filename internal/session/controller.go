// Package session owns the authentication state consumed by the UI and by
// routing. Only the Controller mutates it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/credential"
	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/isdelr/gallery-sync/internal/services"
	"github.com/rs/zerolog/log"
)

// Status is the authentication state.
type Status string

const (
	StatusAnonymous      Status = "anonymous"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusAuthFailed     Status = "auth_failed"
)

// Messages shown to the user.
const (
	msgInvalidCredentials = "Invalid email or password."
	msgUnreachable        = "Unable to reach the server. Please try again."
	msgSessionExpired     = "Your session has expired. Please log in again."
	msgAdoptRejected      = "The sign-in link is invalid or has expired."
)

// State is the session read model.
type State struct {
	Status              Status              `json:"status"`
	User                *models.UserProfile `json:"user"`
	IsAuthenticated     bool                `json:"isAuthenticated"`
	Error               string              `json:"error,omitempty"`
	PendingVerification bool                `json:"pendingVerification"`
	Expired             bool                `json:"expired"`
}

// Controller is the Session Controller.
type Controller struct {
	auth  services.AuthServiceProvider
	creds credential.Store

	mu       sync.Mutex
	state    State
	onChange func(State)
}

// NewController creates a Controller in the anonymous state.
func NewController(auth services.AuthServiceProvider, creds credential.Store) *Controller {
	return &Controller{
		auth:  auth,
		creds: creds,
		state: State{Status: StatusAnonymous},
	}
}

// OnChange registers a callback receiving every new state.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the current session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) set(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.IsAuthenticated = c.state.Status == StatusAuthenticated
	st, cb := c.state, c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// Login authenticates with email and password. On failure the stored
// credential is left untouched.
func (c *Controller) Login(ctx context.Context, email, password string) (models.UserProfile, error) {
	payload := models.LoginPayload{Email: email, Password: password}
	if err := payload.Validate(); err != nil {
		return models.UserProfile{}, err
	}

	c.set(func(s *State) {
		s.Status = StatusAuthenticating
		s.Error = ""
		s.Expired = false
	})

	resp, err := c.auth.Login(ctx, payload)
	if err == nil && resp.AccessToken == "" {
		err = errors.New("login response carried no credential")
	}
	if err == nil {
		err = c.creds.Set(resp.AccessToken)
	}
	if err != nil {
		log.Warn().Err(err).Str("email", email).Msg("Login failed")
		c.set(func(s *State) {
			s.Status = StatusAuthFailed
			s.User = nil
			s.Error = loginMessage(err)
		})
		return models.UserProfile{}, err
	}

	user := resp.User
	c.set(func(s *State) {
		s.Status = StatusAuthenticated
		s.User = &user
		s.PendingVerification = false
	})
	log.Info().Int64("user_id", user.ID).Msg("User logged in")
	return user, nil
}

// Restore validates a credential left from a previous run. It reports whether
// the session was restored.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	token, err := c.creds.Get()
	if err != nil {
		return false, err
	}
	if token == "" {
		c.set(func(s *State) { s.Status = StatusAnonymous; s.User = nil })
		return false, nil
	}

	c.set(func(s *State) { s.Status = StatusAuthenticating; s.Error = "" })
	user, err := c.auth.Me(ctx)
	if err != nil {
		log.Info().Err(err).Msg("Stored credential rejected, starting anonymous")
		if cerr := c.creds.Clear(); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to clear rejected credential")
		}
		c.set(func(s *State) { s.Status = StatusAnonymous; s.User = nil })
		return false, err
	}

	c.set(func(s *State) {
		s.Status = StatusAuthenticated
		s.User = &user
		s.Expired = false
	})
	log.Info().Int64("user_id", user.ID).Msg("Session restored")
	return true, nil
}

// Logout ends the session. The backend call is best-effort: local state is
// cleared even when it fails.
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.auth.Logout(ctx); err != nil {
		log.Warn().Err(err).Msg("Backend logout failed, clearing local session anyway")
	}
	if err := c.creds.Clear(); err != nil {
		log.Error().Err(err).Msg("Failed to clear credential on logout")
	}
	c.set(func(s *State) {
		*s = State{Status: StatusAnonymous}
	})
	log.Info().Msg("User logged out")
	return nil
}

// Register creates an account without authenticating. On success the state
// flags that an email verification is pending.
func (c *Controller) Register(ctx context.Context, name, email, password string) error {
	payload := models.RegisterPayload{Name: name, Email: email, Password: password}
	if err := payload.Validate(); err != nil {
		return err
	}
	if err := c.auth.Register(ctx, payload); err != nil {
		msg := registerMessage(err)
		c.set(func(s *State) { s.Error = msg; s.PendingVerification = false })
		return err
	}
	c.set(func(s *State) { s.PendingVerification = true; s.Error = "" })
	log.Info().Str("email", email).Msg("Registration accepted, verification pending")
	return nil
}

// ExpireSession forces the logged-out state after a failed credential refresh.
// The Resilient Client has already cleared the credential. Only a signed-in
// session expires; it reports false otherwise, so concurrent failures announce
// the expiry once.
func (c *Controller) ExpireSession() bool {
	c.mu.Lock()
	if c.state.Status != StatusAuthenticated {
		c.mu.Unlock()
		return false
	}
	c.state = State{Status: StatusAnonymous, Expired: true, Error: msgSessionExpired}
	st, cb := c.state, c.onChange
	c.mu.Unlock()

	log.Warn().Msg("Session expired, forced logout")
	if cb != nil {
		cb(st)
	}
	return true
}

// AdoptCredential signs in with an access credential issued elsewhere, such as
// an OAuth redirect. The credential is kept only if the profile endpoint
// accepts it.
func (c *Controller) AdoptCredential(ctx context.Context, token string) (models.UserProfile, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.UserProfile{}, models.ValidationErrors{{Field: "token", Message: "token is required"}}
	}
	if err := c.creds.Set(token); err != nil {
		return models.UserProfile{}, fmt.Errorf("store credential: %w", err)
	}
	if _, err := c.Restore(ctx); err != nil {
		c.set(func(s *State) {
			s.Status = StatusAuthFailed
			s.Error = msgAdoptRejected
		})
		return models.UserProfile{}, err
	}

	st := c.State()
	if st.User == nil {
		return models.UserProfile{}, errors.New("adopted credential produced no profile")
	}
	return *st.User, nil
}

func loginMessage(err error) string {
	var nerr *client.NetworkError
	switch {
	case errors.As(err, &nerr):
		return msgUnreachable
	case client.StatusOf(err) == http.StatusUnauthorized, client.StatusOf(err) == http.StatusBadRequest:
		return msgInvalidCredentials
	}
	var herr *client.HTTPError
	if errors.As(err, &herr) {
		return herr.Message
	}
	return "Login failed. Please try again."
}

func registerMessage(err error) string {
	var nerr *client.NetworkError
	if errors.As(err, &nerr) {
		return msgUnreachable
	}
	var herr *client.HTTPError
	if errors.As(err, &herr) {
		return herr.Message
	}
	return "Registration failed. Please try again."
}
