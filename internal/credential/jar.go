package credential

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// SQLiteJar is an http.CookieJar that writes every cookie it accepts to the
// cookies table and reloads them on start, so the backend's refresh cookie
// outlives the process just like the access credential does.
type SQLiteJar struct {
	db  *sql.DB
	mu  sync.Mutex
	jar *cookiejar.Jar
}

// NewSQLiteJar opens a jar over a migrated database and loads the cookies
// that have not expired yet.
func NewSQLiteJar(db *sql.DB) (*SQLiteJar, error) {
	if db == nil {
		return nil, errNoDB
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	j := &SQLiteJar{db: db, jar: jar}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJar) load() error {
	if _, err := j.db.Exec("DELETE FROM cookies WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to prune cookies: %w", err)
	}
	rows, err := j.db.Query("SELECT origin, name, value, path, domain, expires_at, secure, http_only FROM cookies")
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			origin  string
			c       http.Cookie
			expires sql.NullTime
		)
		if err := rows.Scan(&origin, &c.Name, &c.Value, &c.Path, &c.Domain, &expires, &c.Secure, &c.HttpOnly); err != nil {
			return fmt.Errorf("failed to scan cookie: %w", err)
		}
		u, err := url.Parse(origin)
		if err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("Skipping cookie with a bad origin")
			continue
		}
		if expires.Valid {
			c.Expires = expires.Time
		}
		j.jar.SetCookies(u, []*http.Cookie{&c})
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	if loaded > 0 {
		log.Debug().Int("count", loaded).Msg("Restored persisted cookies")
	}
	return nil
}

// Cookies returns the cookies to send to u.
func (j *SQLiteJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// SetCookies stores cookies received from u. Deleted or expired cookies are
// removed from the table as well.
func (j *SQLiteJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()
	origin := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()
	now := time.Now()
	for _, c := range cookies {
		var expires sql.NullTime
		switch {
		case c.MaxAge < 0:
			expires = sql.NullTime{Time: now, Valid: true}
		case c.MaxAge > 0:
			expires = sql.NullTime{Time: now.Add(time.Duration(c.MaxAge) * time.Second).UTC(), Valid: true}
		case !c.Expires.IsZero():
			expires = sql.NullTime{Time: c.Expires.UTC(), Valid: true}
		}

		var err error
		if expires.Valid && !expires.Time.After(now) {
			_, err = j.db.Exec("DELETE FROM cookies WHERE host = ? AND name = ? AND path = ?", u.Host, c.Name, c.Path)
		} else {
			_, err = j.db.Exec(`
				INSERT INTO cookies (host, name, path, origin, value, domain, expires_at, secure, http_only, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(host, name, path) DO UPDATE SET origin = excluded.origin, value = excluded.value,
					domain = excluded.domain, expires_at = excluded.expires_at, secure = excluded.secure,
					http_only = excluded.http_only, updated_at = CURRENT_TIMESTAMP`,
				u.Host, c.Name, c.Path, origin, c.Value, c.Domain, expires, c.Secure, c.HttpOnly)
		}
		if err != nil {
			log.Error().Err(err).Str("cookie", c.Name).Msg("Failed to persist cookie")
		}
	}
}
