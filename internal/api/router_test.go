package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/isdelr/gallery-sync/internal/backend"
	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/credential"
	"github.com/isdelr/gallery-sync/internal/services"
	"github.com/isdelr/gallery-sync/internal/session"
	"github.com/isdelr/gallery-sync/internal/store"
	"github.com/isdelr/gallery-sync/internal/websocket"
)

func setup(t *testing.T) *httptest.Server {
	t.Helper()
	b := backend.NewServer(backend.Options{})
	remote := httptest.NewServer(b.Handler())
	t.Cleanup(remote.Close)
	ada, _ := b.SeedUser("Ada", "ada@example.com", "password1")
	b.SeedPhoto(ada.ID, "Lighthouse", "")
	b.SeedPhoto(ada.ID, "Harbour", "")

	creds := credential.NewMemoryStore()
	c, err := client.New(client.Options{BaseURL: remote.URL, Credentials: creds})
	if err != nil {
		t.Fatal(err)
	}
	photos := services.NewPhotoService(c)
	st := store.New(store.Deps{
		Session:   session.NewController(services.NewAuthService(c), creds),
		Photos:    photos,
		Uploads:   services.NewUploadService(photos, c.HTTPClient(), 0),
		PageLimit: 10,
		RecentMax: 5,
	})
	c.SetSessionExpiredHandler(st.SessionExpired)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go st.Run(ctx)

	hub := websocket.NewHub()
	go hub.Run(ctx)
	snapshots, unsubscribe := st.Subscribe()
	t.Cleanup(unsubscribe)
	go hub.Relay(ctx, snapshots)

	local := httptest.NewServer(NewRouter(hub, st, []string{"http://localhost:3000"}))
	t.Cleanup(local.Close)
	return local
}

func post(t *testing.T, srv *httptest.Server, action, body string) (int, map[string]interface{}) {
	t.Helper()
	res, err := http.Post(srv.URL+"/api/v1/actions/"+action, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func TestStateAndActions(t *testing.T) {
	srv := setup(t)

	res, err := http.Get(srv.URL + "/api/v1/state")
	if err != nil {
		t.Fatal(err)
	}
	var snap store.Snapshot
	json.NewDecoder(res.Body).Decode(&snap)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || snap.Session.IsAuthenticated {
		t.Fatalf("expected anonymous state, got %d %+v", res.StatusCode, snap.Session)
	}

	if status, _ := post(t, srv, "login", `{"email":"ada@example.com","password":"password1"}`); status != http.StatusOK {
		t.Fatalf("login: %d", status)
	}
	status, out := post(t, srv, "load_next", `{"feed":"all"}`)
	if status != http.StatusOK || out["result"].(float64) != 2 {
		t.Fatalf("expected 2 new items, got %d %v", status, out)
	}
}

func TestActionErrors(t *testing.T) {
	srv := setup(t)

	status, out := post(t, srv, "login", `{"email":"","password":""}`)
	if status != http.StatusUnprocessableEntity || out["fields"] == nil {
		t.Fatalf("expected field errors, got %d %v", status, out)
	}
	if status, _ := post(t, srv, "launch", `{}`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", status)
	}
	if status, _ := post(t, srv, "login", `{"email":"ada@example.com","password":"wrong-password"}`); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", status)
	}
	if status, _ := post(t, srv, "delete_photo", `{"id":1}`); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 when anonymous, got %d", status)
	}
}

func TestCreatePhotoMultipart(t *testing.T) {
	srv := setup(t)
	post(t, srv, "login", `{"email":"ada@example.com","password":"password1"}`)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "Dunes")
	mw.WriteField("desc", "sand")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="dunes.webp"`)
	h.Set("Content-Type", "image/webp")
	part, _ := mw.CreatePart(h)
	part.Write([]byte("not really webp"))
	mw.Close()

	res, err := http.Post(srv.URL+"/api/v1/actions/create_photo", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out struct {
		Result struct {
			ID       int64  `json:"id"`
			Title    string `json:"title"`
			ImageURL string `json:"imageUrl"`
		} `json:"result"`
	}
	json.NewDecoder(res.Body).Decode(&out)
	if res.StatusCode != http.StatusOK || out.Result.Title != "Dunes" || out.Result.ImageURL == "" {
		t.Fatalf("unexpected create response %d %+v", res.StatusCode, out)
	}
}

func TestUpdatePhotoMultipartReplacesImage(t *testing.T) {
	srv := setup(t)
	post(t, srv, "login", `{"email":"ada@example.com","password":"password1"}`)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("id", "1")
	mw.WriteField("title", "Lighthouse at dusk")
	mw.WriteField("imageUrl", "seed://Lighthouse")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="dusk.png"`)
	h.Set("Content-Type", "image/png")
	part, _ := mw.CreatePart(h)
	part.Write([]byte("not really png"))
	mw.Close()

	res, err := http.Post(srv.URL+"/api/v1/actions/update_photo", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out struct {
		Result struct {
			ID       int64  `json:"id"`
			Title    string `json:"title"`
			ImageURL string `json:"imageUrl"`
		} `json:"result"`
	}
	json.NewDecoder(res.Body).Decode(&out)
	if res.StatusCode != http.StatusOK || out.Result.ID != 1 || out.Result.Title != "Lighthouse at dusk" {
		t.Fatalf("unexpected update response %d %+v", res.StatusCode, out)
	}
	if out.Result.ImageURL == "" || out.Result.ImageURL == "seed://Lighthouse" {
		t.Fatalf("expected the replacement image url, got %q", out.Result.ImageURL)
	}
}

func TestUpdatePhotoMultipartNeedsID(t *testing.T) {
	srv := setup(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "No id")
	mw.Close()
	res, err := http.Post(srv.URL+"/api/v1/actions/update_photo", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without an id, got %d", res.StatusCode)
	}
}

func TestWebSocketStreamsSnapshotsAndResults(t *testing.T) {
	srv := setup(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first websocket.Message
	if err := conn.ReadJSON(&first); err != nil || first.Action != websocket.ActionSnapshot {
		t.Fatalf("expected an initial snapshot, got %+v %v", first, err)
	}

	conn.WriteJSON(map[string]interface{}{
		"action":  "login",
		"id":      "m1",
		"payload": map[string]string{"email": "ada@example.com", "password": "password1"},
	})

	sawAuthenticated := false
	for {
		var msg struct {
			Action  string          `json:"action"`
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		switch msg.Action {
		case websocket.ActionSnapshot:
			var snap store.Snapshot
			json.Unmarshal(msg.Payload, &snap)
			if snap.Session.IsAuthenticated {
				sawAuthenticated = true
			}
		case websocket.ActionResult:
			if msg.ID != "m1" {
				t.Fatalf("unexpected result id %q", msg.ID)
			}
		case websocket.ActionError:
			t.Fatalf("unexpected error %s", msg.Payload)
		}
		if sawAuthenticated {
			return
		}
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv := setup(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	_, res, err := gws.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", res)
	}
}
