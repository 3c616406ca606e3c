// Package backend is an in-memory implementation of the gallery REST API. It
// backs local development and the integration tests of the client packages.
package backend

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	refreshCookie    = "refresh_token"
	defaultPageLimit = 12
	maxPageLimit     = 100
	maxUploadBytes   = 20 << 20
)

// Options configure a Server.
type Options struct {
	// PublicURL is the externally visible base URL used in upload and file
	// links. Empty derives it from the request host.
	PublicURL   string
	AccessTTL   time.Duration
	RecentLimit int
	Secret      []byte
}

type upload struct {
	MimeType string
	Data     []byte
}

// Server holds users, photos and uploaded files in memory.
type Server struct {
	opts   Options
	secret []byte

	mu          sync.Mutex
	users       map[int64]*user
	photos      map[int64]models.Photo
	refresh     map[string]int64
	uploads     map[string]*upload
	nextUserID  int64
	nextPhotoID int64
	ttl         time.Duration

	refreshCalls atomic.Int64
}

// NewServer creates an empty Server.
func NewServer(opts Options) *Server {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
	}
	return &Server{
		opts:    opts,
		secret:  secret,
		users:   make(map[int64]*user),
		photos:  make(map[int64]models.Photo),
		refresh: make(map[string]int64),
		uploads: make(map[string]*upload),
		ttl:     opts.AccessTTL,
	}
}

// Handler returns the REST API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Post("/register", s.register)
		r.Post("/refresh", s.refreshToken)
		r.Post("/logout", s.logout)
		r.With(s.requireAuth).Get("/me", s.me)
	})

	r.Route("/photos", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.listPhotos)
		r.Post("/", s.createPhoto)
		r.Get("/owner", s.listOwnerPhotos)
		r.Get("/recent", s.recentPhotos)
		r.Post("/signed-upload", s.signedUpload)
		r.Patch("/{id}", s.updatePhoto)
		r.Delete("/{id}", s.deletePhoto)
	})

	// Pre-signed targets carry no credential, like an object store would.
	r.Put("/uploads/{key}", s.receiveUpload)
	r.Get("/files/{key}", s.serveFile)
	return r
}

// SeedUser creates a verified user directly, bypassing registration.
func (s *Server) SeedUser(name, email, password string) (models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.createUserLocked(name, email, password)
	if err != nil {
		return models.UserProfile{}, err
	}
	u.Verified = true
	return u.profile(), nil
}

// SeedPhoto stores a photo owned by userID.
func (s *Server) SeedPhoto(userID int64, title, description string) (models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.Photo{}, errors.New("unknown user")
	}
	return s.addPhotoLocked(u, models.PhotoPayload{Title: title, Description: description, ImageURL: "seed://" + title}), nil
}

// SetAccessTTL changes the lifetime of access tokens issued from now on.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	s.ttl = d
	s.mu.Unlock()
}

func (s *Server) accessTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// RevokeSessions invalidates every refresh cookie.
func (s *Server) RevokeSessions() {
	s.mu.Lock()
	s.refresh = make(map[string]int64)
	s.mu.Unlock()
}

// RefreshCalls reports how many refresh requests were received.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) publicURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) issueSession(w http.ResponseWriter, u *user) {
	value := uuid.NewString()
	s.mu.Lock()
	s.refresh[value] = u.ID
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(7 * 24 * time.Hour),
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var payload models.LoginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	u, err := s.authenticateLocked(payload.Email, payload.Password)
	s.mu.Unlock()
	if err != nil {
		log.Warn().Str("email", payload.Email).Msg("Failed authentication attempt")
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := s.generateJWT(u)
	if err != nil {
		log.Error().Err(err).Int64("user_id", u.ID).Msg("Failed to generate JWT")
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	s.issueSession(w, u)
	writeJSON(w, http.StatusOK, models.LoginResponse{User: u.profile(), AccessToken: token})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var payload models.RegisterPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	_, err := s.createUserLocked(payload.Name, payload.Email, payload.Password)
	s.mu.Unlock()
	if errors.Is(err, errEmailTaken) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("email", payload.Email).Msg("Failed to register user")
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	cookie, err := r.Cookie(refreshCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Missing session")
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[cookie.Value]
	u := s.users[userID]
	s.mu.Unlock()
	if !ok || u == nil {
		writeError(w, http.StatusUnauthorized, "Session expired")
		return
	}

	token, err := s.generateJWT(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, models.RefreshResponse{AccessToken: token})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookie); err == nil {
		s.mu.Lock()
		delete(s.refresh, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	s.mu.Lock()
	u, ok := s.users[claims.UserID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u.profile())
}

func encodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

func decodeCursor(c string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (s *Server) page(w http.ResponseWriter, r *http.Request, ownerID int64) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	var afterID int64
	if c := q.Get("cursor"); c != "" {
		if afterID, err = decodeCursor(c); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
	}

	s.mu.Lock()
	items, more := s.pageLocked(q.Get("query"), ownerID, afterID, limit)
	s.mu.Unlock()

	page := models.PhotoPage{Items: items}
	if more && len(items) > 0 {
		next := encodeCursor(items[len(items)-1].ID)
		page.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) listPhotos(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, 0)
}

func (s *Server) listOwnerPhotos(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, claimsFrom(r).UserID)
}

func (s *Server) recentPhotos(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items, _ := s.pageLocked("", 0, 0, s.opts.RecentLimit)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) signedUpload(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MimeType string `json:"mimeType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || !strings.HasPrefix(payload.MimeType, "image/") {
		writeError(w, http.StatusBadRequest, "An image mime type is required")
		return
	}
	key := uuid.NewString()
	s.mu.Lock()
	s.uploads[key] = &upload{MimeType: payload.MimeType}
	s.mu.Unlock()

	base := s.publicURL(r)
	writeJSON(w, http.StatusOK, models.SignedUpload{
		UploadURL: base + "/uploads/" + key,
		FileURL:   base + "/files/" + key,
	})
}

func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[key]
	if !ok || up.Data != nil {
		writeError(w, http.StatusForbidden, "Upload URL is invalid or already used")
		return
	}
	up.Data = data
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	up, ok := s.uploads[chi.URLParam(r, "key")]
	s.mu.Unlock()
	if !ok || up.Data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", up.MimeType)
	w.Write(up.Data)
}

func decodePhotoPayload(w http.ResponseWriter, r *http.Request) (models.PhotoPayload, bool) {
	var payload models.PhotoPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return payload, false
	}
	if err := payload.Validate(true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return payload, false
	}
	return payload, true
}

func (s *Server) createPhoto(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodePhotoPayload(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	u, found := s.users[claimsFrom(r).UserID]
	var photo models.Photo
	if found {
		photo = s.addPhotoLocked(u, payload)
	}
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusUnauthorized, "User not found")
		return
	}
	writeJSON(w, http.StatusCreated, photo)
}

func photoID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid photo id")
		return 0, false
	}
	return id, true
}

func writeOwnershipError(w http.ResponseWriter, err error) {
	if errors.Is(err, errForbidden) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeError(w, http.StatusNotFound, err.Error())
}

func (s *Server) updatePhoto(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}
	payload, ok := decodePhotoPayload(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.ownedPhotoLocked(id, claimsFrom(r).UserID)
	if err != nil {
		writeOwnershipError(w, err)
		return
	}
	p.Title, p.Description, p.ImageURL = payload.Title, payload.Description, payload.ImageURL
	s.photos[id] = p
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePhoto(w http.ResponseWriter, r *http.Request) {
	id, ok := photoID(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ownedPhotoLocked(id, claimsFrom(r).UserID); err != nil {
		writeOwnershipError(w, err)
		return
	}
	delete(s.photos, id)
	w.WriteHeader(http.StatusNoContent)
}
