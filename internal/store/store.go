// Package store owns the session and feed state objects. Every change starts
// as an action sent through one dispatch channel; the UI reads immutable
// snapshots published after each change.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/feed"
	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/isdelr/gallery-sync/internal/reconcile"
	"github.com/isdelr/gallery-sync/internal/services"
	"github.com/isdelr/gallery-sync/internal/session"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by futures dispatched after the store stopped.
var ErrClosed = errors.New("store: closed")

const (
	NoticeInfo    = "info"
	NoticeError   = "error"
	NoticeSession = "session"
)

// Notice is a user-facing notification. Transient notices carry an expiry.
type Notice struct {
	ID        string     `json:"id"`
	Level     string     `json:"level"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// UploadState reports the running image upload, if any.
type UploadState struct {
	Active  bool `json:"active"`
	Percent int  `json:"percent"`
}

// Snapshot is the read model handed to the UI.
type Snapshot struct {
	Version uint64                `json:"version"`
	Session session.State         `json:"session"`
	Feeds   map[string]feed.State `json:"feeds"`
	Recent  feed.RecentState      `json:"recent"`
	Upload  UploadState           `json:"upload"`
	Notices []Notice              `json:"notices"`
}

// Deps are the collaborators of a Store.
type Deps struct {
	Session   *session.Controller
	Photos    services.PhotoServiceProvider
	Uploads   services.UploadServiceProvider
	PageLimit int
	RecentMax int
	NoticeTTL time.Duration
}

type envelope struct {
	ctx    context.Context
	action Action
	future *Future
}

// Store is the single owner of client-side state.
type Store struct {
	session    *session.Controller
	photos     services.PhotoServiceProvider
	uploads    services.UploadServiceProvider
	feeds      map[string]*feed.Engine
	recent     *feed.Recent
	reconciler *reconcile.Reconciler
	noticeTTL  time.Duration

	actions chan envelope
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	// sendMu orders sends on actions against the final drain; closed is set
	// under it once Run has stopped.
	sendMu sync.RWMutex
	closed bool

	mu          sync.Mutex
	version     uint64
	notices     []Notice
	upload      UploadState
	subscribers map[chan Snapshot]struct{}
	delivered   uint64
	lastUserID  int64
}

// New wires the feeds, the reconciler and the session into a Store. Call Run
// to start processing actions.
func New(d Deps) *Store {
	if d.NoticeTTL <= 0 {
		d.NoticeTTL = 5 * time.Second
	}
	s := &Store{
		session:     d.Session,
		photos:      d.Photos,
		uploads:     d.Uploads,
		noticeTTL:   d.NoticeTTL,
		actions:     make(chan envelope, 64),
		stop:        make(chan struct{}),
		subscribers: make(map[chan Snapshot]struct{}),
	}
	s.feeds = map[string]*feed.Engine{
		FeedAll:   feed.NewEngine(FeedAll, d.Photos.ListPhotos, d.PageLimit),
		FeedOwner: feed.NewEngine(FeedOwner, d.Photos.ListOwnerPhotos, d.PageLimit),
	}
	s.recent = feed.NewRecent(d.Photos.RecentPhotos, d.RecentMax)
	s.reconciler = reconcile.New(map[string]reconcile.Collection{
		FeedAll:    s.feeds[FeedAll],
		FeedOwner:  s.feeds[FeedOwner],
		FeedRecent: s.recent,
	})

	for _, f := range s.feeds {
		f.OnChange(s.publish)
	}
	s.recent.OnChange(s.publish)
	s.session.OnChange(s.sessionChanged)
	return s
}

// Run processes dispatched actions until ctx ends or Close is called.
// Network-bound actions run concurrently; their ordering is governed by the
// feed and session state machines.
func (s *Store) Run(ctx context.Context) {
	log.Info().Msg("Starting store dispatcher...")
	for {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
			log.Info().Msg("Stopping store dispatcher.")
			s.wg.Wait()
			s.sendMu.Lock()
			s.closed = true
			s.sendMu.Unlock()
			s.drain()
			return
		case env := <-s.actions:
			if inline(env.action) {
				env.future.resolve(s.execute(env.ctx, env.action))
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				env.future.resolve(s.execute(env.ctx, env.action))
			}()
		}
	}
}

// Close stops the dispatcher. Pending futures resolve with ErrClosed.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *Store) drain() {
	for {
		select {
		case env := <-s.actions:
			env.future.resolve(nil, ErrClosed)
		default:
			return
		}
	}
}

// inline actions are local state edits applied in dispatch order.
func inline(a Action) bool {
	switch a.(type) {
	case SetQuery, DismissNotice:
		return true
	}
	return false
}

// Dispatch queues an action and returns its future.
func (s *Store) Dispatch(ctx context.Context, a Action) *Future {
	f := newFuture()
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		f.resolve(nil, ErrClosed)
		return f
	}
	select {
	case <-s.stop:
		f.resolve(nil, ErrClosed)
		return f
	default:
	}
	select {
	case s.actions <- envelope{ctx: ctx, action: a, future: f}:
	case <-s.stop:
		f.resolve(nil, ErrClosed)
	case <-ctx.Done():
		f.resolve(nil, ctx.Err())
	}
	return f
}

func (s *Store) execute(ctx context.Context, a Action) (interface{}, error) {
	log.Debug().Str("action", a.ActionName()).Msg("Executing action")
	value, err := s.apply(ctx, a)
	if err != nil {
		return value, s.report(a, err)
	}
	if msg := successMessage(a); msg != "" {
		s.notify(NoticeInfo, msg, true)
	}
	return value, nil
}

func successMessage(a Action) string {
	switch a.(type) {
	case Login:
		return "Login successful"
	case Register:
		return "Registration successful. Please verify your email."
	case AdoptCredential:
		return "Logged in with Google"
	case CreatePhoto:
		return "Photo uploaded successfully"
	case UpdatePhoto:
		return "Photo updated successfully"
	case DeletePhoto:
		return "Photo deleted successfully"
	}
	return ""
}

func (s *Store) apply(ctx context.Context, a Action) (interface{}, error) {
	switch act := a.(type) {
	case Login:
		return s.session.Login(ctx, act.Email, act.Password)
	case Logout:
		return nil, s.session.Logout(ctx)
	case Register:
		return nil, s.session.Register(ctx, act.Name, act.Email, act.Password)
	case Restore:
		return s.session.Restore(ctx)
	case AdoptCredential:
		return s.session.AdoptCredential(ctx, act.Token)
	case SetQuery:
		f, err := s.feed(act.Feed)
		if err != nil {
			return nil, err
		}
		return f.SetQuery(act.Query), nil
	case LoadNext:
		f, err := s.feed(act.Feed)
		if err != nil {
			return nil, err
		}
		return f.LoadNext(ctx)
	case LoadRecent:
		return nil, s.recent.Load(ctx)
	case CreatePhoto:
		return s.createPhoto(ctx, act)
	case UpdatePhoto:
		return s.updatePhoto(ctx, act)
	case DeletePhoto:
		if err := s.photos.DeletePhoto(ctx, act.ID); err != nil {
			return nil, err
		}
		s.reconciler.Deleted(act.ID)
		return nil, nil
	case DismissNotice:
		s.dismiss(act.ID)
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported action %T", a)
}

func (s *Store) createPhoto(ctx context.Context, act CreatePhoto) (models.Photo, error) {
	if err := act.Payload.Validate(act.Image == nil); err != nil {
		return models.Photo{}, err
	}
	payload, err := s.withUpload(ctx, act.Payload, act.Image, act.MimeType)
	if err != nil {
		return models.Photo{}, err
	}
	photo, err := s.photos.CreatePhoto(ctx, payload)
	if err != nil {
		return models.Photo{}, err
	}
	s.reconciler.Created(photo)
	return photo, nil
}

// updatePhoto keeps Payload.ImageURL unless a replacement image is attached.
func (s *Store) updatePhoto(ctx context.Context, act UpdatePhoto) (models.Photo, error) {
	if err := act.Payload.Validate(act.Image == nil); err != nil {
		return models.Photo{}, err
	}
	payload, err := s.withUpload(ctx, act.Payload, act.Image, act.MimeType)
	if err != nil {
		return models.Photo{}, err
	}
	photo, err := s.photos.UpdatePhoto(ctx, act.ID, payload)
	if err != nil {
		return models.Photo{}, err
	}
	s.reconciler.Updated(photo)
	return photo, nil
}

// withUpload uploads image, when present, and points the payload at it.
func (s *Store) withUpload(ctx context.Context, payload models.PhotoPayload, image io.Reader, mimeType string) (models.PhotoPayload, error) {
	if image == nil {
		return payload, nil
	}
	if mimeType == "" {
		return payload, models.ValidationErrors{{Field: "image", Message: "image type is required"}}
	}
	fileURL, err := s.runUpload(ctx, image, mimeType)
	if err != nil {
		return payload, err
	}
	payload.ImageURL = fileURL
	return payload, nil
}

func (s *Store) runUpload(ctx context.Context, image io.Reader, mimeType string) (string, error) {
	up := s.uploads.Upload(ctx, image, mimeType)
	s.setUpload(UploadState{Active: true})
	for pct := range up.Progress() {
		s.setUpload(UploadState{Active: true, Percent: pct})
	}
	fileURL, err := up.Wait()
	s.setUpload(UploadState{})
	return fileURL, err
}

func (s *Store) setUpload(u UploadState) {
	s.mu.Lock()
	s.upload = u
	s.mu.Unlock()
	s.publish()
}

func (s *Store) feed(name string) (*feed.Engine, error) {
	f, ok := s.feeds[name]
	if !ok {
		return nil, models.ValidationErrors{{Field: "feed", Message: fmt.Sprintf("unknown feed %q", name)}}
	}
	return f, nil
}

// report turns an action failure into what the caller sees and the UI shows.
// Validation errors stay field-level; an expired session was already
// announced once by SessionExpired; a stale page is not an error at all.
func (s *Store) report(a Action, err error) error {
	var verrs models.ValidationErrors
	switch {
	case errors.Is(err, client.ErrSessionExpired):
		return err
	case client.IsUnauthorized(err) && s.session.State().Expired:
		// Sent after the expiry cleared the credential; already announced.
		return fmt.Errorf("%w: %w", client.ErrSessionExpired, err)
	case errors.Is(err, feed.ErrStaleQuery):
		return nil
	case errors.As(err, &verrs):
		return err
	}
	switch a.(type) {
	case Login, Register, AdoptCredential:
		// The session state already carries a user-facing message.
		return err
	}
	log.Warn().Err(err).Str("action", a.ActionName()).Msg("Action failed")
	s.notify(NoticeError, failureMessage(a, err), true)
	return err
}

func failureMessage(a Action, err error) string {
	var nerr *client.NetworkError
	if errors.As(err, &nerr) {
		return "Network error. Please check your connection and try again."
	}
	switch a.(type) {
	case LoadNext, LoadRecent:
		return "Could not load photos. Please try again."
	case CreatePhoto:
		return "Could not create the photo: " + err.Error()
	case UpdatePhoto:
		return "Could not update the photo: " + err.Error()
	case DeletePhoto:
		return "Could not delete the photo: " + err.Error()
	}
	return err.Error()
}

// SessionExpired is installed as the Resilient Client's expiry callback.
// Requests that were already in flight may each fail their own refresh; only
// the first one is announced.
func (s *Store) SessionExpired() {
	if !s.session.ExpireSession() {
		return
	}
	s.notify(NoticeSession, "Your session has expired. Please log in again.", false)
}

// sessionChanged drops user-scoped feed data whenever the signed-in user changes.
func (s *Store) sessionChanged(st session.State) {
	var userID int64
	if st.IsAuthenticated && st.User != nil {
		userID = st.User.ID
	}
	s.mu.Lock()
	changed := userID != s.lastUserID
	s.lastUserID = userID
	s.mu.Unlock()

	if changed {
		for _, f := range s.feeds {
			f.Reset()
		}
		s.recent.Reset()
	}
	s.publish()
}

func (s *Store) notify(level, message string, transient bool) {
	n := Notice{ID: uuid.NewString(), Level: level, Message: message}
	if transient {
		exp := time.Now().Add(s.noticeTTL)
		n.ExpiresAt = &exp
		time.AfterFunc(s.noticeTTL, func() { s.dismiss(n.ID) })
	}
	s.mu.Lock()
	s.notices = append(s.notices, n)
	if len(s.notices) > 20 {
		s.notices = s.notices[len(s.notices)-20:]
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Store) dismiss(id string) {
	s.mu.Lock()
	kept := s.notices[:0]
	for _, n := range s.notices {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	s.notices = kept
	s.mu.Unlock()
	s.publish()
}

// Snapshot returns the current read model.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Session: s.session.State(),
		Feeds:   make(map[string]feed.State, len(s.feeds)),
		Recent:  s.recent.State(),
	}
	for name, f := range s.feeds {
		snap.Feeds[name] = f.State()
	}
	s.mu.Lock()
	snap.Version = s.version
	snap.Upload = s.upload
	snap.Notices = append([]Notice(nil), s.notices...)
	s.mu.Unlock()
	return snap
}

// Subscribe returns a channel receiving the latest snapshot after every change.
// Slow readers only miss intermediate snapshots, never the latest one.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- s.Snapshot()
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) publish() {
	s.mu.Lock()
	s.version++
	s.mu.Unlock()

	snap := s.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Concurrent publishers may finish out of order; never replace a newer
	// snapshot with an older one.
	if snap.Version <= s.delivered {
		return
	}
	s.delivered = snap.Version
	for ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Authenticated reports whether a user is signed in.
func (s *Store) Authenticated() bool {
	return s.session.State().IsAuthenticated
}
