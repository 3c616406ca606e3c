package credential

import (
	"database/sql"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/isdelr/gallery-sync/internal/database"
)

func newJarDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "jar.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func openJar(t *testing.T, db *sql.DB) *SQLiteJar {
	t.Helper()
	j, err := NewSQLiteJar(db)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func cookieValue(j *SQLiteJar, u *url.URL, name string) string {
	for _, c := range j.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestJarSurvivesRestart(t *testing.T) {
	db := newJarDB(t)
	login, _ := url.Parse("http://127.0.0.1:8080/api/auth/login")
	refresh, _ := url.Parse("http://127.0.0.1:8080/api/auth/refresh")

	first := openJar(t, db)
	first.SetCookies(login, []*http.Cookie{{
		Name: "refresh_token", Value: "R1", Path: "/", HttpOnly: true,
		Expires: time.Now().Add(time.Hour),
	}})
	if got := cookieValue(first, refresh, "refresh_token"); got != "R1" {
		t.Fatalf("expected R1 in the live jar, got %q", got)
	}

	second := openJar(t, db)
	if got := cookieValue(second, refresh, "refresh_token"); got != "R1" {
		t.Fatalf("expected R1 after reopening, got %q", got)
	}

	// Rotation replaces the row.
	second.SetCookies(refresh, []*http.Cookie{{Name: "refresh_token", Value: "R2", Path: "/", MaxAge: 3600}})
	if got := cookieValue(openJar(t, db), refresh, "refresh_token"); got != "R2" {
		t.Fatalf("expected the rotated cookie, got %q", got)
	}
}

func TestJarForgetsDeletedAndExpiredCookies(t *testing.T) {
	db := newJarDB(t)
	u, _ := url.Parse("http://127.0.0.1:8080/api/auth/logout")

	j := openJar(t, db)
	j.SetCookies(u, []*http.Cookie{
		{Name: "refresh_token", Value: "R1", Path: "/", MaxAge: 3600},
		{Name: "stale", Value: "x", Path: "/", Expires: time.Now().Add(-time.Hour)},
	})
	j.SetCookies(u, []*http.Cookie{{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1}})

	if got := len(openJar(t, db).Cookies(u)); got != 0 {
		t.Fatalf("expected no cookies after deletion, got %d", got)
	}
	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM cookies").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("expected an empty cookies table, got %d rows", rows)
	}
}

func TestNewSQLiteJarNeedsDB(t *testing.T) {
	if _, err := NewSQLiteJar(nil); err == nil {
		t.Fatal("expected an error for a nil database")
	}
}
