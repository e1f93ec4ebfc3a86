package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/pkg/broadcast"
)

// DefaultRefreshMargin is how long before expiry a session is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// HTTPClient talks to the hosted backend over its REST endpoints:
// /auth/v1/* for identity and /rest/v1/* for data.
type HTTPClient struct {
	baseURL       string
	anonKey       string
	httpClient    *http.Client
	storage       SessionStorage
	events        *broadcast.Broadcaster[AuthChangeEvent]
	logger        zerolog.Logger
	refreshMargin time.Duration
	now           func() time.Time

	refreshMu sync.Mutex
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithSessionStorage sets where the provider session is persisted.
func WithSessionStorage(s SessionStorage) HTTPOption {
	return func(c *HTTPClient) { c.storage = s }
}

// WithRefreshMargin sets how long before expiry GetSession refreshes.
func WithRefreshMargin(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.refreshMargin = d }
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL, anonKey string, logger zerolog.Logger, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		anonKey:       anonKey,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		storage:       &memoryStorage{},
		events:        broadcast.New[AuthChangeEvent](),
		logger:        logger.With().Str("component", "baas").Logger(),
		refreshMargin: DefaultRefreshMargin,
		now:           time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type passwordGrant struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshGrant struct {
	RefreshToken string `json:"refresh_token"`
}

type signUpBody struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

func (c *HTTPClient) SignInWithPassword(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	q := url.Values{"grant_type": {"password"}}
	body, err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, passwordGrant{Email: creds.Email, Password: creds.Password}, c.anonKey, nil)
	if err != nil {
		return nil, err
	}

	sess, err := c.decodeSession(body)
	if err != nil {
		return nil, err
	}
	if err := c.storage.Save(ctx, sess); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist session")
	}
	c.events.Publish(AuthChangeEvent{Event: EventSignedIn, Session: sess})
	return &AuthResponse{User: &sess.User, Session: sess}, nil
}

func (c *HTTPClient) SignUp(ctx context.Context, params SignUpParams) (*AuthResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, signUpBody{
		Email:    params.Email,
		Password: params.Password,
		Data:     params.Metadata,
	}, c.anonKey, nil)
	if err != nil {
		return nil, err
	}

	// With auto-confirm the response is a full session; otherwise it is
	// the bare user awaiting confirmation.
	var peek struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return nil, fmt.Errorf("decode sign-up response: %w", err)
	}
	if peek.AccessToken != "" {
		sess, err := c.decodeSession(body)
		if err != nil {
			return nil, err
		}
		if err := c.storage.Save(ctx, sess); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist session")
		}
		c.events.Publish(AuthChangeEvent{Event: EventSignedIn, Session: sess})
		return &AuthResponse{User: &sess.User, Session: sess}, nil
	}

	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode sign-up user: %w", err)
	}
	return &AuthResponse{User: &u}, nil
}

// SignOut revokes the session remotely and always drops it locally. The
// remote error, if any, is returned after local cleanup.
func (c *HTTPClient) SignOut(ctx context.Context) error {
	sess, err := c.storage.Load(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load session for sign-out")
	}

	var remoteErr error
	if sess != nil && sess.AccessToken != "" {
		_, remoteErr = c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, sess.AccessToken, nil)
	}

	if err := c.storage.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear session")
	}
	c.events.Publish(AuthChangeEvent{Event: EventSignedOut})
	return remoteErr
}

// GetSession returns the persisted session, refreshing it first when it is
// about to expire. A nil session with a nil error means signed out.
func (c *HTTPClient) GetSession(ctx context.Context) (*Session, error) {
	sess, err := c.storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	if !sess.ExpiresWithin(c.now(), c.refreshMargin) {
		return sess, nil
	}

	refreshed, err := c.RefreshSession(ctx)
	if err != nil {
		if IsInvalidGrant(err) {
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// RefreshSession exchanges the refresh token for a new session. A rejected
// refresh token ends the session and emits SIGNED_OUT.
func (c *HTTPClient) RefreshSession(ctx context.Context) (*Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	sess, err := c.storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.RefreshToken == "" {
		return nil, ErrNoSession
	}

	q := url.Values{"grant_type": {"refresh_token"}}
	body, err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, refreshGrant{RefreshToken: sess.RefreshToken}, c.anonKey, nil)
	if err != nil {
		if IsInvalidGrant(err) {
			c.logger.Info().Err(err).Msg("refresh token rejected, ending session")
			if cerr := c.storage.Clear(ctx); cerr != nil {
				c.logger.Warn().Err(cerr).Msg("failed to clear session")
			}
			c.events.Publish(AuthChangeEvent{Event: EventSignedOut})
		}
		return nil, err
	}

	next, err := c.decodeSession(body)
	if err != nil {
		return nil, err
	}
	if err := c.storage.Save(ctx, next); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist refreshed session")
	}
	c.events.Publish(AuthChangeEvent{Event: EventTokenRefreshed, Session: next})
	return next, nil
}

func (c *HTTPClient) OnAuthStateChange(fn func(AuthChangeEvent)) Subscription {
	return c.events.Subscribe(fn)
}

// StartAutoRefresh refreshes the persisted session in the background until
// ctx is done.
func (c *HTTPClient) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sess, err := c.storage.Load(ctx)
				if err != nil || sess == nil {
					continue
				}
				if !sess.ExpiresWithin(c.now(), c.refreshMargin) {
					continue
				}
				if _, err := c.RefreshSession(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("background token refresh failed")
				}
			}
		}
	}()
}

// RPC calls a remote procedure with named parameters. out may be nil.
func (c *HTTPClient) RPC(ctx context.Context, fn string, params map[string]any, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	body, err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), nil, params, c.bearer(ctx), nil)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", fn, err)
	}
	return nil
}

func (c *HTTPClient) From(table string) *Query {
	return NewQuery(c, table)
}

// ExecuteQuery implements Executor against the data API.
func (c *HTTPClient) ExecuteQuery(ctx context.Context, q *Query) ([]byte, error) {
	params := url.Values{}
	params.Set("select", q.Columns)
	for _, f := range q.Filters {
		params.Add(f.Column, "eq."+f.Value)
	}

	path := "/rest/v1/" + url.PathEscape(q.Table)
	headers := map[string]string{}
	var method string
	var body any
	switch q.Op {
	case OpInsert:
		method = http.MethodPost
		body = q.Values
		headers["Prefer"] = "return=representation"
	case OpUpdate:
		method = http.MethodPatch
		body = q.Values
		headers["Prefer"] = "return=representation"
	default:
		method = http.MethodGet
	}

	return c.do(ctx, method, path, params, body, c.bearer(ctx), headers)
}

// bearer is the current access token, or the anon key when signed out.
func (c *HTTPClient) bearer(ctx context.Context) string {
	sess, err := c.storage.Load(ctx)
	if err != nil || sess == nil || sess.AccessToken == "" {
		return c.anonKey
	}
	return sess.AccessToken
}

func (c *HTTPClient) decodeSession(body []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.AccessToken == "" {
		return nil, errors.New("decode session: missing access token")
	}
	if sess.ExpiresAt == 0 && sess.ExpiresIn > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(sess.ExpiresIn) * time.Second).Unix()
	}
	return &sess, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, bearer string, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

// memoryStorage keeps the session for the life of the process only.
type memoryStorage struct {
	mu   sync.RWMutex
	sess *Session
}

func (m *memoryStorage) Load(context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return nil, nil
	}
	cp := *m.sess
	return &cp, nil
}

func (m *memoryStorage) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sess = &cp
	return nil
}

func (m *memoryStorage) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	return nil
}
