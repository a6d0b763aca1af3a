// Package session owns the provider authentication token. It hands out a
// valid session on demand, refreshing it behind a single in-flight login so
// concurrent callers never trigger duplicate logins.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/theycallmek/kingshot-coordinator/internal/sessionfile"
)

// Defaults applied when Config leaves a field zero.
const (
	defaultLoginAttempts = 3
	defaultLoginBackoff  = time.Second
	defaultExpirySkew    = 30 * time.Second
	maxLoginBackoff      = 10 * time.Second
	refreshKey           = "login"
)

// ErrAuth is the sentinel for sessions that could not be established.
var ErrAuth = errors.New("session: authentication failed")

// AuthError reports that login failed after the bounded retry count.
// It is fatal to dispatch until an operator intervenes.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: authentication failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{ErrAuth, e.Err}
}

// Authenticator performs one login against the provider. Defined at the
// consumer; provider.Client is the production implementation.
type Authenticator interface {
	Login(ctx context.Context) (*oauth2.Token, error)
}

// Session is a time-bounded credential for provider calls.
type Session struct {
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Config controls login retries, expiry handling and the on-disk cache.
type Config struct {
	Account       string
	CachePath     string // empty disables persistence
	LoginAttempts int
	LoginBackoff  time.Duration
	ExpirySkew    time.Duration
}

// Manager hands out sessions. Safe for concurrent use.
type Manager struct {
	auth   Authenticator
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu          sync.Mutex
	current     *Session
	refreshing  bool
	cacheLoaded bool

	nowFunc func() time.Time // injectable for testing
}

// NewManager creates a session manager.
func NewManager(auth Authenticator, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = defaultLoginAttempts
	}

	if cfg.LoginBackoff <= 0 {
		cfg.LoginBackoff = defaultLoginBackoff
	}

	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = defaultExpirySkew
	}

	return &Manager{
		auth:    auth,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Acquire returns a valid, non-expired session, logging in if needed.
// Concurrent callers wait behind a single in-flight refresh. A failed
// refresh returns *AuthError.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	if s, ok := m.cached(); ok {
		return s, nil
	}

	// The login runs detached from any one caller so a canceled waiter does
	// not abort the refresh the others are sharing.
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return Session{}, fmt.Errorf("session: acquire canceled: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}

		s, ok := res.Val.(Session)
		if !ok {
			return Session{}, fmt.Errorf("session: unexpected refresh result %T", res.Val)
		}

		return s, nil
	}
}

// Invalidate forces the next Acquire to log in again. Called when the
// provider rejects the current token mid-operation.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.cacheLoaded = true
	m.mu.Unlock()

	if m.cfg.CachePath != "" {
		if err := sessionfile.Remove(m.cfg.CachePath); err != nil {
			m.logger.Warn("session: removing cached session",
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("session invalidated")
}

// Refreshing reports whether a login is currently in flight.
func (m *Manager) Refreshing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.refreshing
}

// cached returns the current session if it is still valid.
func (m *Manager) cached() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || !m.valid(m.current.ExpiresAt) {
		return Session{}, false
	}

	return *m.current, true
}

// valid reports whether a session expiring at exp is usable now. The skew
// keeps a token from expiring between dispatch and the provider's check.
func (m *Manager) valid(exp time.Time) bool {
	return m.nowFunc().Add(m.cfg.ExpirySkew).Before(exp)
}

// refresh runs inside the single-flight group. It tries the on-disk cache
// once per process, then logs in with bounded retries.
func (m *Manager) refresh(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.current != nil && m.valid(m.current.ExpiresAt) {
		s := *m.current
		m.mu.Unlock()

		return s, nil
	}

	m.refreshing = true
	loadCache := !m.cacheLoaded
	m.cacheLoaded = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	if loadCache {
		if s, ok := m.loadCache(); ok {
			return s, nil
		}
	}

	attempts := 0
	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attempts++
		return m.auth.Login(ctx)
	},
		backoff.WithBackOff(m.loginBackoff()),
		backoff.WithMaxTries(uint(m.cfg.LoginAttempts)), //nolint:gosec // validated positive
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Warn("session: login failed, retrying",
				slog.Int("attempt", attempts),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		m.logger.Error("session: login failed",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)

		return Session{}, &AuthError{Attempts: attempts, Err: err}
	}

	s := m.install(tok)

	if m.cfg.CachePath != "" {
		if saveErr := sessionfile.Save(m.cfg.CachePath, m.cfg.Account, tok); saveErr != nil {
			m.logger.Warn("session: caching session",
				slog.String("error", saveErr.Error()),
			)
		}
	}

	return s, nil
}

func (m *Manager) loadCache() (Session, bool) {
	if m.cfg.CachePath == "" {
		return Session{}, false
	}

	tok, err := sessionfile.Load(m.cfg.CachePath, m.cfg.Account)
	if err != nil {
		m.logger.Warn("session: ignoring unreadable session cache",
			slog.String("error", err.Error()),
		)

		return Session{}, false
	}

	if tok == nil || !m.valid(tok.Expiry) {
		return Session{}, false
	}

	m.logger.Info("session: reusing cached session", slog.Time("expiry", tok.Expiry))

	return m.install(tok), true
}

func (m *Manager) install(tok *oauth2.Token) Session {
	s := Session{
		Token:      tok.AccessToken,
		AcquiredAt: m.nowFunc(),
		ExpiresAt:  tok.Expiry,
	}

	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()

	return s
}

func (m *Manager) loginBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.LoginBackoff
	b.MaxInterval = maxLoginBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.25

	return b
}
