// Package auth supplies bearer credentials to the fetcher and verifies the
// keys presented to the mock upstream.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// defaultExpirySkew refreshes a JWT this long before it expires.
const defaultExpirySkew = 30 * time.Second

// Static returns the same credential on every call.
type Static struct {
	cred domain.Credential
}

// NewStatic creates a Static source. An empty token makes every Token call
// report domain.ErrMissingCredential.
func NewStatic(token, username string) *Static {
	return &Static{cred: domain.Credential{Token: token, Username: username}}
}

// Token implements domain.CredentialSource.
func (s *Static) Token(context.Context) (domain.Credential, error) {
	if s.cred.Token == "" {
		return domain.Credential{}, domain.ErrMissingCredential
	}
	return s.cred, nil
}

// Reset implements domain.CredentialSource. A static credential cannot be
// refreshed.
func (s *Static) Reset(int) {}

// FetchFunc obtains a fresh credential.
type FetchFunc func(ctx context.Context) (domain.Credential, error)

// FromEnv reads the token from the named environment variable on every
// fetch.
func FromEnv(name string) FetchFunc {
	return func(context.Context) (domain.Credential, error) {
		token := os.Getenv(name)
		if token == "" {
			return domain.Credential{}, fmt.Errorf("%s is not set: %w", name, domain.ErrMissingCredential)
		}
		return domain.Credential{Token: token}, nil
	}
}

// CachedOption configures a Cached source.
type CachedOption func(*Cached)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CachedOption {
	return func(c *Cached) {
		c.logger = l
	}
}

// WithExpirySkew sets how long before a JWT's exp claim it is refreshed.
func WithExpirySkew(d time.Duration) CachedOption {
	return func(c *Cached) {
		c.skew = d
	}
}

// Cached memoizes the credential returned by a FetchFunc until the upstream
// rejects it or, for JWTs, until it is about to expire. It is safe for
// concurrent use; concurrent callers share one fetch.
type Cached struct {
	mu      sync.Mutex
	fetch   FetchFunc
	cred    domain.Credential
	valid   bool
	expires time.Time

	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCached creates a caching source around fetch.
func NewCached(fetch FetchFunc, opts ...CachedOption) *Cached {
	c := &Cached{
		fetch:  fetch,
		skew:   defaultExpirySkew,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token implements domain.CredentialSource.
func (c *Cached) Token(ctx context.Context) (domain.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && (c.expires.IsZero() || c.now().Before(c.expires.Add(-c.skew))) {
		return c.cred, nil
	}

	cred, err := c.fetch(ctx)
	if err != nil {
		c.valid = false
		return domain.Credential{}, err
	}
	if cred.Token == "" {
		c.valid = false
		return domain.Credential{}, domain.ErrMissingCredential
	}

	c.cred = cred
	c.valid = true
	c.expires = tokenExpiry(cred.Token)
	return cred, nil
}

// Reset implements domain.CredentialSource.
func (c *Cached) Reset(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		c.logger.Info("discarding cached credential", slog.Int("status", status))
	}
	c.valid = false
	c.cred = domain.Credential{}
	c.expires = time.Time{}
}

// tokenExpiry returns the exp claim of a JWT without verifying it. Opaque
// tokens never expire on their own.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
