package backend

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/isdelr/gallery-sync/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	errEmailTaken   = errors.New("email already registered")
	errInvalidLogin = errors.New("invalid credentials")
	errNotFound     = errors.New("photo not found")
	errForbidden    = errors.New("not the owner of this photo")
)

type user struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string
	Verified     bool
	CreatedAt    time.Time
}

func (u *user) profile() models.UserProfile {
	return models.UserProfile{ID: u.ID, Name: u.Name, Email: u.Email, Verified: u.Verified, CreatedAt: u.CreatedAt}
}

// createUserLocked hashes the password and stores a new, unverified user.
func (s *Server) createUserLocked(name, email, password string) (*user, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return nil, errEmailTaken
		}
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	s.nextUserID++
	u := &user{
		ID:           s.nextUserID,
		Name:         name,
		Email:        email,
		PasswordHash: string(hashedPassword),
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	return u, nil
}

// authenticateLocked verifies a user's credentials.
func (s *Server) authenticateLocked(email, password string) (*user, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email != email {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			return nil, errInvalidLogin
		}
		return u, nil
	}
	return nil, errInvalidLogin
}

func matches(p models.Photo, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(strings.ToLower(p.Description), q)
}

// pageLocked returns up to limit photos newest first, strictly older than
// afterID when it is non-zero.
func (s *Server) pageLocked(query string, ownerID, afterID int64, limit int) ([]models.Photo, bool) {
	ids := make([]int64, 0, len(s.photos))
	for id := range s.photos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := make([]models.Photo, 0, limit)
	for _, id := range ids {
		if afterID != 0 && id >= afterID {
			continue
		}
		p := s.photos[id]
		if ownerID != 0 && p.Owner.ID != ownerID {
			continue
		}
		if !matches(p, query) {
			continue
		}
		if len(out) == limit {
			return out, true
		}
		out = append(out, p)
	}
	return out, false
}

func (s *Server) addPhotoLocked(owner *user, payload models.PhotoPayload) models.Photo {
	s.nextPhotoID++
	p := models.Photo{
		ID:          s.nextPhotoID,
		Title:       payload.Title,
		Description: payload.Description,
		ImageURL:    payload.ImageURL,
		CreatedAt:   time.Now().UTC(),
		Owner:       models.Owner{ID: owner.ID, Name: owner.Name},
	}
	s.photos[p.ID] = p
	return p
}

func (s *Server) ownedPhotoLocked(id, userID int64) (models.Photo, error) {
	p, ok := s.photos[id]
	if !ok {
		return models.Photo{}, errNotFound
	}
	if p.Owner.ID != userID {
		return models.Photo{}, errForbidden
	}
	return p, nil
}
