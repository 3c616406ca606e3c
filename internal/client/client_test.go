package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/isdelr/gallery-sync/internal/credential"
	"github.com/isdelr/gallery-sync/internal/database"
)

type testBackend struct {
	server        *httptest.Server
	refreshCalls  atomic.Int32
	refreshStatus int
	newToken      string
	validToken    string
	seenTokens    chan string
	barrier       *sync.WaitGroup // when set, rejected requests wait here before answering
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{
		refreshStatus: http.StatusOK,
		newToken:      "T2",
		validToken:    "T2",
		seenTokens:    make(chan string, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		if r.Header.Get("Authorization") != "" {
			t.Errorf("refresh must not carry a bearer credential")
		}
		if b.refreshStatus != http.StatusOK {
			http.Error(w, `{"error":"refresh token revoked"}`, b.refreshStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"accessToken": b.newToken})
	})
	mux.HandleFunc("/photos", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		b.seenTokens <- auth
		if auth != "Bearer "+b.validToken {
			if b.barrier != nil {
				b.barrier.Done()
				b.barrier.Wait()
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"database unavailable"}`))
	})
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func newClient(t *testing.T, baseURL string, creds credential.Store, expired *atomic.Int32) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:     baseURL,
		Credentials: creds,
		OnSessionExpired: func() {
			if expired != nil {
				expired.Add(1)
			}
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestDoAttachesCredential(t *testing.T) {
	b := newTestBackend(t)
	creds := credential.NewMemoryStore()
	creds.Set("T2")
	c := newClient(t, b.server.URL, creds, nil)

	var out map[string]string
	if err := c.JSON(context.Background(), http.MethodGet, "/photos", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := <-b.seenTokens; got != "Bearer T2" {
		t.Fatalf("expected bearer header, got %q", got)
	}
	if b.refreshCalls.Load() != 0 {
		t.Fatal("expected no refresh for a valid credential")
	}
}

func TestDoRefreshesAndReplaysOnce(t *testing.T) {
	b := newTestBackend(t)
	creds := credential.NewMemoryStore()
	creds.Set("T1")
	c := newClient(t, b.server.URL, creds, nil)

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"})
	if err != nil {
		t.Fatalf("caller should never see the intermediate 401, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if first, second := <-b.seenTokens, <-b.seenTokens; first != "Bearer T1" || second != "Bearer T2" {
		t.Fatalf("expected T1 then T2, got %q then %q", first, second)
	}
	if tok, _ := creds.Get(); tok != "T2" {
		t.Fatalf("expected stored credential T2, got %q", tok)
	}
	if n := b.refreshCalls.Load(); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}
}

func TestDoDoesNotLoopWhenReplayIsRejected(t *testing.T) {
	b := newTestBackend(t)
	b.validToken = "never"
	creds := credential.NewMemoryStore()
	creds.Set("T1")
	c := newClient(t, b.server.URL, creds, nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"})
	if !IsUnauthorized(err) {
		t.Fatalf("expected the replay's 401 to be returned as-is, got %v", err)
	}
	if n := b.refreshCalls.Load(); n != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", n)
	}
}

func TestDoRefreshFailureExpiresSession(t *testing.T) {
	b := newTestBackend(t)
	b.refreshStatus = http.StatusUnauthorized
	creds := credential.NewMemoryStore()
	creds.Set("T1")
	var expired atomic.Int32
	c := newClient(t, b.server.URL, creds, &expired)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if tok, _ := creds.Get(); tok != "" {
		t.Fatalf("expected credential cleared, got %q", tok)
	}
	if expired.Load() != 1 {
		t.Fatalf("expected expiry callback once, got %d", expired.Load())
	}
}

func TestRefreshEndpointIsNeverRetried(t *testing.T) {
	b := newTestBackend(t)
	b.refreshStatus = http.StatusUnauthorized
	c := newClient(t, b.server.URL, credential.NewMemoryStore(), nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: DefaultRefreshPath})
	if !IsUnauthorized(err) {
		t.Fatalf("expected plain 401, got %v", err)
	}
	if n := b.refreshCalls.Load(); n != 1 {
		t.Fatalf("expected the single direct call only, got %d", n)
	}
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	const n = 8
	for _, tc := range []struct {
		name          string
		refreshStatus int
	}{
		{"refresh succeeds", http.StatusOK},
		{"refresh fails", http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t)
			b.refreshStatus = tc.refreshStatus
			b.barrier = &sync.WaitGroup{}
			b.barrier.Add(n)
			creds := credential.NewMemoryStore()
			creds.Set("T1")
			var expired atomic.Int32
			c := newClient(t, b.server.URL, creds, &expired)

			errs := make(chan error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)

			if got := b.refreshCalls.Load(); got != 1 {
				t.Fatalf("expected exactly 1 refresh, got %d", got)
			}
			for err := range errs {
				if tc.refreshStatus == http.StatusOK && err != nil {
					t.Errorf("expected replay to succeed, got %v", err)
				}
				if tc.refreshStatus != http.StatusOK && !errors.Is(err, ErrSessionExpired) {
					t.Errorf("expected ErrSessionExpired, got %v", err)
				}
			}
			wantExpired := int32(0)
			if tc.refreshStatus != http.StatusOK {
				wantExpired = 1
			}
			if expired.Load() != wantExpired {
				t.Fatalf("expected %d expiry callbacks, got %d", wantExpired, expired.Load())
			}
		})
	}
}

func TestOtherErrorsAreReturnedWithoutRetry(t *testing.T) {
	b := newTestBackend(t)
	c := newClient(t, b.server.URL, credential.NewMemoryStore(), nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/broken"})
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if herr.Status != http.StatusInternalServerError || herr.Message != "database unavailable" {
		t.Fatalf("unexpected error: %+v", herr)
	}
	if b.refreshCalls.Load() != 0 {
		t.Fatal("expected no refresh for a 500")
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url, credential.NewMemoryStore(), nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"})
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestRefreshUsesSessionCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "R1", Path: "/auth", HttpOnly: true})
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "T1"})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("refresh_token"); err != nil || c.Value != "R1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "T2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credential.NewMemoryStore()
	c := newClient(t, srv.URL, creds, nil)
	if err := c.JSON(context.Background(), http.MethodPost, "/auth/login", map[string]string{}, nil); err != nil {
		t.Fatal(err)
	}
	token, err := c.refresh(context.Background(), "T1")
	if err != nil || token != "T2" {
		t.Fatalf("expected cookie-backed refresh to succeed, got %q, %v", token, err)
	}
}

func TestLoginRejectionIsNotRefreshed(t *testing.T) {
	b := newTestBackend(t)
	c := newClient(t, b.server.URL, credential.NewMemoryStore(), nil)
	b.server.Config.Handler.(*http.ServeMux).HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/login", Body: map[string]string{"email": "x"}})
	if !IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
	if b.refreshCalls.Load() != 0 {
		t.Fatal("a rejected login must not trigger a refresh")
	}
}

func TestAnonymousRejectionIsNotRefreshed(t *testing.T) {
	b := newTestBackend(t)
	var expired atomic.Int32
	c := newClient(t, b.server.URL, credential.NewMemoryStore(), &expired)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"})
	if !IsUnauthorized(err) || errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected a plain 401, got %v", err)
	}
	if b.refreshCalls.Load() != 0 || expired.Load() != 0 {
		t.Fatalf("expected no refresh and no expiry, got %d refreshes, %d expiries", b.refreshCalls.Load(), expired.Load())
	}
}

func TestRefreshCookieSurvivesRestart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "R1", Path: "/auth", HttpOnly: true, MaxAge: 3600})
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "T1"})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("refresh_token"); err != nil || c.Value != "R1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "T2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db, err := database.New(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	start := func() *Client {
		jar, err := credential.NewSQLiteJar(db)
		if err != nil {
			t.Fatal(err)
		}
		c, err := New(Options{BaseURL: srv.URL, Credentials: credential.NewMemoryStore(), Jar: jar})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	if err := start().JSON(context.Background(), http.MethodPost, "/auth/login", map[string]string{}, nil); err != nil {
		t.Fatal(err)
	}
	token, err := start().refresh(context.Background(), "T1")
	if err != nil || token != "T2" {
		t.Fatalf("expected the restarted client to refresh with the stored cookie, got %q, %v", token, err)
	}
}

func TestExpiryIsAnnouncedBeforeCredentialIsCleared(t *testing.T) {
	b := newTestBackend(t)
	b.refreshStatus = http.StatusUnauthorized
	creds := credential.NewMemoryStore()
	creds.Set("T1")

	var seen string
	c, err := New(Options{
		BaseURL:          b.server.URL,
		Credentials:      creds,
		OnSessionExpired: func() { seen, _ = creds.Get() },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/photos"}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if seen != "T1" {
		t.Fatalf("expected the callback to run while T1 was still held, got %q", seen)
	}
	if tok, _ := creds.Get(); tok != "" {
		t.Fatalf("expected credential cleared afterwards, got %q", tok)
	}
}
