// Package client is the terminal-side counterpart of the chat backend. It
// owns the session and exposes the room directory, membership gate, message
// feed, presence heartbeat and composer as separate components.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Hayvi/roomy/internal/types"
	"github.com/sirupsen/logrus"
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.backend.http = hc }
}

func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) {
		c.log = l.WithField("component", "client")
		c.backend.log = c.log
	}
}

// WithIntervals overrides the heartbeat and directory poll periods.
func WithIntervals(heartbeat, poll time.Duration) Option {
	return func(c *Client) {
		c.heartbeatInterval = heartbeat
		c.pollInterval = poll
	}
}

type Client struct {
	backend *backend
	log     *logrus.Entry

	heartbeatInterval time.Duration
	pollInterval      time.Duration

	mu       sync.RWMutex
	identity *types.Profile

	profilesMu sync.Mutex
	profiles   map[string]string
}

func New(baseURL string, opts ...Option) *Client {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	log := l.WithField("component", "client")

	c := &Client{
		backend:           newBackend(baseURL, &http.Client{Timeout: 30 * time.Second}, log),
		log:               log,
		heartbeatInterval: types.HeartbeatInterval,
		pollInterval:      types.RoomPollInterval,
		profiles:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SignIn creates an anonymous identity under displayName.
func (c *Client) SignIn(ctx context.Context, displayName string) (types.Session, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return types.Session{}, validationError("display name is required")
	}
	if utf8.RuneCountInString(name) > types.MaxDisplayNameLength {
		return types.Session{}, validationError(fmt.Sprintf("display name must be at most %d characters", types.MaxDisplayNameLength))
	}

	var session types.Session
	err := c.backend.doJSON(ctx, http.MethodPost, "/api/auth/anonymous", types.SignInRequest{DisplayName: name}, &session)
	if err != nil {
		return types.Session{}, err
	}

	c.backend.setToken(session.Token)
	c.setIdentity(&session.Profile)

	return session, nil
}

// Restore resumes a session from a token saved by an earlier SignIn.
func (c *Client) Restore(ctx context.Context, token string) (types.Profile, error) {
	c.backend.setToken(token)

	var session types.Session
	if err := c.backend.doJSON(ctx, http.MethodGet, "/api/auth/session", nil, &session); err != nil {
		c.backend.setToken("")
		c.setIdentity(nil)
		return types.Profile{}, err
	}

	c.setIdentity(&session.Profile)
	return session.Profile, nil
}

// SignOut drops the local session even when the backend cannot be reached.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.backend.doJSON(ctx, http.MethodGet, "/api/auth/logout", nil, nil)
	c.backend.setToken("")
	c.setIdentity(nil)
	return err
}

// Identity returns the signed-in profile.
func (c *Client) Identity() (types.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.identity == nil {
		return types.Profile{}, false
	}
	return *c.identity, true
}

func (c *Client) Token() string {
	return c.backend.getToken()
}

func (c *Client) setIdentity(p *types.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = p
}

func (c *Client) requireSession() (types.Profile, error) {
	p, ok := c.Identity()
	if !ok {
		return types.Profile{}, &Error{Kind: KindSession, Message: "not signed in"}
	}
	return p, nil
}

// Connect opens the realtime channel for the current session.
func (c *Client) Connect(ctx context.Context) (*Realtime, error) {
	if _, err := c.requireSession(); err != nil {
		return nil, err
	}

	wsURL, err := c.backend.wsURL()
	if err != nil {
		return nil, err
	}

	return dialRealtime(ctx, wsURL, c.backend.authHeader(), c.log.WithField("component", "realtime"))
}

// DisplayName resolves a profile name, caching it for the life of the client.
func (c *Client) DisplayName(ctx context.Context, userId string) (string, error) {
	c.profilesMu.Lock()
	name, ok := c.profiles[userId]
	c.profilesMu.Unlock()
	if ok {
		return name, nil
	}

	var p types.Profile
	if err := c.backend.doJSON(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(userId), nil, &p); err != nil {
		return "", err
	}

	c.rememberName(p.Id, p.DisplayName)
	return p.DisplayName, nil
}

func (c *Client) rememberName(userId, name string) {
	if userId == "" || name == "" {
		return
	}
	c.profilesMu.Lock()
	c.profiles[userId] = name
	c.profilesMu.Unlock()
}
