// Package fleamart is a Go client for the Fleamart marketplace API.
//
// It covers the authenticated session lifecycle (token storage, proactive
// expiry-based renewal, recovery-on-401 with request replay) and the realtime
// chat/presence/notification synchronization engine. Page-level CRUD around
// products and orders is a thin typed layer the caller builds on top of
// Client.Do.
//
// Example:
//
//	client, _ := fleamart.NewClient()
//	user, _ := client.Login(ctx, &fleamart.LoginOptions{Username: "ada", Password: "secret"})
//
//	chat := fleamart.NewChatStore(client)
//	conn := client.Realtime()
//	conn.Connect(ctx)
//	go fleamart.NewSyncer(chat, nil, nil).Run(ctx, conn.Events())
package fleamart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://fleamart.app/api"
	DefaultTimeout = 15 * time.Second
)

// Sentinel errors surfaced by the request gateway.
var (
	// ErrSessionExpired is returned once token renewal has failed; the
	// session is cleared and the caller must re-authenticate.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotConnected is returned when publishing without a live channel.
	ErrNotConnected = errors.New("realtime channel not connected")
)

// ============================================================================
// Client
// ============================================================================

// Client wraps every outbound API call: it attaches credentials, unwraps the
// response envelope, and drives token renewal on authorization failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	notify     func(msg string)

	session *Session
	renewer *renewer
	cache   *snapshotCache
	rtOnce  sync.Once
	rt      *Conn

	// construction-only settings, consumed by NewClient
	sessionStore SessionStore
	renewalLead  time.Duration
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets a structured logger. The default logger discards everything.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithSessionStore sets the backend the session persists to. The default is
// an in-memory store; CLI processes use NewFileSessionStore.
func WithSessionStore(store SessionStore) ClientOption {
	return func(c *Client) { c.sessionStore = store }
}

// WithErrorNotifier registers a sink for user-facing failure messages.
// Calls made with Silent() never reach it.
func WithErrorNotifier(fn func(msg string)) ClientOption {
	return func(c *Client) { c.notify = fn }
}

// WithRenewalLead overrides how far before expiry the proactive probe fires.
func WithRenewalLead(lead time.Duration) ClientOption {
	return func(c *Client) { c.renewalLead = lead }
}

// NewClient creates a client and restores any persisted session.
func NewClient(opts ...ClientOption) (*Client, error) {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar, // carries the renewal cookie to /auth/refresh
		},
		log:          zerolog.Nop(),
		sessionStore: NewMemorySessionStore(),
		renewalLead:  renewalLead,
	}
	for _, opt := range opts {
		opt(c)
	}

	session, err := newSession(c.sessionStore)
	if err != nil {
		return nil, err
	}
	c.session = session
	c.cache = newSnapshotCache()
	c.renewer = newRenewer(c, c.renewalLead)
	session.onToken = c.renewer.reschedule

	// A restored token may already carry an expiry worth scheduling for.
	if exp := session.ExpiresAt(); !exp.IsZero() && session.LoggedIn() {
		c.renewer.reschedule(exp)
	}
	return c, nil
}

// Session exposes the credential store.
func (c *Client) Session() *Session { return c.session }

// Close cancels the renewal timer and tears down the realtime channel.
func (c *Client) Close() error {
	c.renewer.cancel()
	c.cache.close()
	if c.rt != nil {
		return c.rt.Disconnect()
	}
	return nil
}

// ============================================================================
// Request gateway
// ============================================================================

type callOptions struct {
	silent  bool // do not surface a user-facing message
	retried bool // replay marker: set after a 401-triggered renewal
}

// CallOption adjusts how a single request's failure is handled.
type CallOption func(*callOptions)

// Silent suppresses the user-facing error notifier for this call, e.g. for
// background polling.
func Silent() CallOption {
	return func(o *callOptions) { o.silent = true }
}

// Do performs an API request and returns the unwrapped envelope data.
// Non-envelope bodies are returned as-is.
func (c *Client) Do(ctx context.Context, method, path string, body any, query url.Values, opts ...CallOption) (json.RawMessage, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.send(ctx, method, path, body, query, &o)
}

func (c *Client) send(ctx context.Context, method, path string, body any, query url.Values, o *callOptions) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Auth endpoints must never see a stale bearer token; neither must any
	// endpoint see a token that is locally known to be expired.
	if !isAuthPath(path) && c.session.TokenValid() {
		req.Header.Set("Authorization", "Bearer "+c.session.Token())
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.surface(o, "network error")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		c.surface(o, "network error")
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode == http.StatusUnauthorized && !isAuthPath(path) && !o.retried {
		c.log.Debug().Str("method", method).Str("path", path).Msg("401, attempting token renewal")
		if _, rerr := c.renewer.renew(ctx); rerr != nil {
			c.surface(o, "session expired, please sign in again")
			return nil, ErrSessionExpired
		}
		o.retried = true
		return c.send(ctx, method, path, body, query, o)
	}

	// Envelope bodies: code==0 is success regardless of transport status.
	parsed := gjson.ParseBytes(raw)
	if parsed.IsObject() && parsed.Get("code").Exists() {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			if env.Code == 0 {
				return env.Data, nil
			}
			apiErr := &APIError{Code: env.Code, Message: env.Message}
			c.surface(o, failureMessage(raw, res.Status))
			return nil, apiErr
		}
	}

	if res.StatusCode >= 400 {
		msg := failureMessage(raw, res.Status)
		c.surface(o, msg)
		return nil, fmt.Errorf("HTTP %d: %s", res.StatusCode, msg)
	}
	return raw, nil
}

func isAuthPath(path string) bool {
	return strings.HasPrefix(path, "/auth/")
}

// failureMessage derives a short user-facing message from a response body:
// structured message field, then structured error field, then the transport
// status, then a generic fallback.
func failureMessage(raw []byte, status string) string {
	body := gjson.ParseBytes(raw)
	if m := body.Get("message").Str; m != "" {
		return m
	}
	if m := body.Get("error").Str; m != "" {
		return m
	}
	if status != "" {
		return status
	}
	return "request failed"
}

func (c *Client) surface(o *callOptions, msg string) {
	if o.silent || c.notify == nil {
		return
	}
	c.notify(msg)
}

func decode[T any](data json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &v, nil
}

// ============================================================================
// Auth API
// ============================================================================

// Login exchanges credentials for an access token. The server also sets the
// renewal cookie consumed later by /auth/refresh.
func (c *Client) Login(ctx context.Context, opts *LoginOptions) (*UserProfile, error) {
	return c.authenticate(ctx, "/auth/login", opts)
}

// Register creates an account and logs it in.
func (c *Client) Register(ctx context.Context, opts *RegisterOptions) (*UserProfile, error) {
	return c.authenticate(ctx, "/auth/register", opts)
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*UserProfile, error) {
	data, err := c.Do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return nil, err
	}
	login, err := decode[loginData](data)
	if err != nil {
		return nil, err
	}
	c.session.SetToken(login.Token, time.Duration(login.ExpiresInMs)*time.Millisecond)
	c.cache.invalidate(cacheKeyProfile)

	user := login.User
	if user == nil {
		if user, err = c.Me(ctx, Silent()); err != nil {
			return nil, err
		}
	}
	c.session.SetUser(user)
	return user, nil
}

// Logout ends the session on the server, then clears all persisted session
// state. It is idempotent: calling it while logged out does nothing.
func (c *Client) Logout(ctx context.Context) error {
	if !c.session.LoggedIn() {
		return nil
	}
	// Best effort; the local session is cleared regardless.
	if _, err := c.Do(ctx, http.MethodPost, "/auth/logout", nil, nil, Silent()); err != nil {
		c.log.Debug().Err(err).Msg("server logout failed")
	}
	c.session.Clear()
	c.cache.invalidate(cacheKeyProfile)
	return nil
}

// Me returns the authenticated user's profile, cached for a short interval.
func (c *Client) Me(ctx context.Context, opts ...CallOption) (*UserProfile, error) {
	if cached, ok := c.cache.get(cacheKeyProfile); ok {
		return decode[UserProfile](cached)
	}
	data, err := c.Do(ctx, http.MethodGet, "/users/me", nil, nil, opts...)
	if err != nil {
		return nil, err
	}
	user, err := decode[UserProfile](data)
	if err != nil {
		return nil, err
	}
	c.session.SetUser(user)
	c.cache.put(cacheKeyProfile, data, profileCacheTTL)
	return user, nil
}

// UpdateProfile replaces mutable profile fields.
func (c *Client) UpdateProfile(ctx context.Context, user *UserProfile) (*UserProfile, error) {
	data, err := c.Do(ctx, http.MethodPut, "/users/me", user, nil)
	if err != nil {
		return nil, err
	}
	updated, err := decode[UserProfile](data)
	if err != nil {
		return nil, err
	}
	c.session.SetUser(updated)
	c.cache.invalidate(cacheKeyProfile)
	return updated, nil
}
