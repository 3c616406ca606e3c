// Package client wraps every outbound backend request. It attaches the
// current access credential and, when the backend rejects it, performs a
// single silent refresh and replays the request once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/gallery-sync/internal/credential"
	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// DefaultRefreshPath is the backend endpoint that exchanges the session cookie
// for a new access credential.
const DefaultRefreshPath = "/auth/refresh"

// DefaultPassthroughPaths answer 401 for bad input rather than for a stale
// credential, so their 401s are returned without a refresh.
var DefaultPassthroughPaths = []string{"/auth/login", "/auth/register"}

// Requester is what the services need from the client.
type Requester interface {
	Do(ctx context.Context, req Request) (*Response, error)
	JSON(ctx context.Context, method, path string, body, out interface{}) error
}

// Request describes one backend call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Body   interface{} // JSON encoded unless it is already []byte
	Header http.Header
}

// Response is a fully read backend answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v. Empty bodies are ignored.
func (r *Response) Decode(v interface{}) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// attempt threads the retry flag alongside the request instead of mutating the
// request itself.
type attempt struct {
	req     Request
	body    []byte
	retried bool
}

// refreshCall is one refresh round trip shared by every request that was
// rejected with the same credential.
type refreshCall struct {
	rejected string
	done     chan struct{}
	token    string
	err      error
}

// Options configure a Client.
type Options struct {
	BaseURL     string
	Credentials credential.Store
	HTTPClient  *http.Client
	// Jar keeps cookies for the built-in HTTP client. Without one an
	// in-memory jar is used and the refresh cookie is lost on restart.
	Jar         http.CookieJar
	Timeout     time.Duration
	RefreshPath string
	// PassthroughPaths overrides DefaultPassthroughPaths.
	PassthroughPaths []string
	// OnSessionExpired runs once per failed refresh, just before the
	// credential is cleared.
	OnSessionExpired func()
}

// Client is the Resilient Client.
type Client struct {
	baseURL     string
	creds       credential.Store
	http        *http.Client
	refreshPath string
	passthrough map[string]bool

	mu        sync.Mutex
	inflight  *refreshCall
	last      *refreshCall
	onExpired func()
}

// New creates a Client. When no HTTP client is given, one with a cookie jar is
// built so the backend's HttpOnly refresh cookie is kept between calls.
func New(opts Options) (*Client, error) {
	if opts.Credentials == nil {
		return nil, errors.New("client: credential store is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		jar := opts.Jar
		if jar == nil {
			mem, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
			if err != nil {
				return nil, fmt.Errorf("client: cookie jar: %w", err)
			}
			jar = mem
		}
		hc = &http.Client{Jar: jar, Timeout: opts.Timeout}
	}
	refreshPath := opts.RefreshPath
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	paths := opts.PassthroughPaths
	if paths == nil {
		paths = DefaultPassthroughPaths
	}
	passthrough := make(map[string]bool, len(paths))
	for _, p := range paths {
		passthrough[p] = true
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		creds:       opts.Credentials,
		http:        hc,
		refreshPath: refreshPath,
		passthrough: passthrough,
		onExpired:   opts.OnSessionExpired,
	}, nil
}

// SetSessionExpiredHandler replaces the callback run after a failed refresh.
func (c *Client) SetSessionExpiredHandler(fn func()) {
	c.mu.Lock()
	c.onExpired = fn
	c.mu.Unlock()
}

// HTTPClient exposes the underlying transport for calls that must not carry
// the credential, such as uploads to pre-signed URLs.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Do sends req. A 401 for a request that carried a credential, on anything but
// the refresh endpoint, triggers at most one refresh and at most one replay;
// the caller never sees the intermediate 401.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	a := attempt{req: req}
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		a.body = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", req.Method, req.Path, err)
		}
		a.body = encoded
	}

	resp, sent, err := c.send(ctx, a)
	if err == nil || !IsUnauthorized(err) || c.isRefresh(req.Path) || c.passthrough[pathOnly(req.Path)] || a.retried {
		return resp, err
	}
	// Nothing was rejected when no credential was held, so there is no
	// session to renew.
	if sent == "" {
		return resp, err
	}

	a.retried = true
	if _, err := c.refresh(ctx, sent); err != nil {
		return nil, err
	}
	resp, _, err = c.send(ctx, a)
	return resp, err
}

// JSON is a convenience wrapper that decodes the response body into out.
func (c *Client) JSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.Do(ctx, Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) isRefresh(path string) bool {
	return pathOnly(path) == c.refreshPath
}

func pathOnly(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return p
}

// send performs one round trip. It returns the credential that was attached so
// a 401 can be matched to the refresh it should wait for.
func (c *Client) send(ctx context.Context, a attempt) (*Response, string, error) {
	url := c.baseURL + a.req.Path
	var body io.Reader
	if a.body != nil {
		body = bytes.NewReader(a.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, a.req.Method, url, body)
	if err != nil {
		return nil, "", fmt.Errorf("build %s %s: %w", a.req.Method, a.req.Path, err)
	}
	for k, vs := range a.req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if a.body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	// Read at send time so a replay picks up a freshly refreshed value.
	token := ""
	if !c.isRefresh(a.req.Path) {
		token, err = c.creds.Get()
		if err != nil {
			return nil, "", fmt.Errorf("read credential: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, token, &NetworkError{Method: a.req.Method, URL: url, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, token, &NetworkError{Method: a.req.Method, URL: url, Err: err}
	}

	log.Debug().Str("method", a.req.Method).Str("path", a.req.Path).Int("status", res.StatusCode).Bool("retried", a.retried).Msg("Backend request")

	resp := &Response{Status: res.StatusCode, Header: res.Header, Body: data}
	if res.StatusCode >= 400 {
		return resp, token, newHTTPError(res.StatusCode, data)
	}
	return resp, token, nil
}

// refresh obtains a new credential. Requests rejected while a refresh is in
// flight wait for it; requests rejected with a credential that an earlier
// refresh already replaced reuse that outcome.
func (c *Client) refresh(ctx context.Context, rejected string) (string, error) {
	c.mu.Lock()
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		return call.wait(ctx)
	}
	if last := c.last; last != nil && last.rejected == rejected {
		c.mu.Unlock()
		return last.token, last.err
	}
	call := &refreshCall{rejected: rejected, done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	// Waiters share this round trip, so one caller's cancellation must not
	// abort it for the others.
	call.token, call.err = c.doRefresh(context.WithoutCancel(ctx))
	if call.err != nil {
		c.expire()
	}

	c.mu.Lock()
	c.inflight = nil
	c.last = call
	c.mu.Unlock()
	close(call.done)
	return call.token, call.err
}

// expire announces the expiry before dropping the credential, so a request
// that goes out without one afterwards already sees an expired session.
func (c *Client) expire() {
	c.mu.Lock()
	onExpired := c.onExpired
	c.mu.Unlock()
	if onExpired != nil {
		onExpired()
	}
	if err := c.creds.Clear(); err != nil {
		log.Error().Err(err).Msg("Failed to clear credential after refresh failure")
	}
}

func (c *Client) doRefresh(ctx context.Context) (string, error) {
	resp, _, err := c.send(ctx, attempt{req: Request{Method: http.MethodPost, Path: c.refreshPath}, retried: true})
	var out models.RefreshResponse
	if err == nil {
		err = resp.Decode(&out)
	}
	if err == nil && out.AccessToken == "" {
		err = errors.New("refresh returned an empty credential")
	}
	if err == nil {
		err = c.creds.Set(out.AccessToken)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Credential refresh failed, clearing session")
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	log.Info().Msg("Access credential refreshed")
	return out.AccessToken, nil
}

func (rc *refreshCall) wait(ctx context.Context) (string, error) {
	select {
	case <-rc.done:
		return rc.token, rc.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
