package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

func TestStatic(t *testing.T) {
	cred, err := NewStatic("tok", "octocat").Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if cred.Token != "tok" || cred.Username != "octocat" {
		t.Errorf("Token() = %+v", cred)
	}

	if _, err := NewStatic("", "").Token(context.Background()); !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("empty static token error = %v, want ErrMissingCredential", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TEST_FETCH_TOKEN", "from-env")
	cred, err := FromEnv("TEST_FETCH_TOKEN")(context.Background())
	if err != nil || cred.Token != "from-env" {
		t.Errorf("FromEnv() = %+v, %v", cred, err)
	}

	t.Setenv("TEST_FETCH_TOKEN", "")
	if _, err := FromEnv("TEST_FETCH_TOKEN")(context.Background()); !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("unset env error = %v, want ErrMissingCredential", err)
	}
}

type counter struct {
	mu     sync.Mutex
	calls  int
	tokens []string
}

func (c *counter) fetch(ctx context.Context) (domain.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.tokens[c.calls%len(c.tokens)]
	c.calls++
	return domain.Credential{Token: tok}, nil
}

func TestCached_ReusesUntilReset(t *testing.T) {
	c := &counter{tokens: []string{"first", "second"}}
	src := NewCached(c.fetch)

	for range 3 {
		cred, err := src.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if cred.Token != "first" {
			t.Fatalf("Token() = %q, want first", cred.Token)
		}
	}
	if c.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", c.calls)
	}

	src.Reset(http.StatusUnauthorized)

	cred, _ := src.Token(context.Background())
	if cred.Token != "second" {
		t.Errorf("Token() after reset = %q, want second", cred.Token)
	}
	if c.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", c.calls)
	}
}

func TestCached_RefreshesExpiringJWT(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c := &counter{tokens: []string{signed}}
	src := NewCached(c.fetch, WithExpirySkew(10*time.Second))
	src.now = func() time.Time { return now }

	src.Token(context.Background())
	src.Token(context.Background())
	if c.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1 while token is fresh", c.calls)
	}

	src.now = func() time.Time { return now.Add(55 * time.Second) }
	src.Token(context.Background())
	if c.calls != 2 {
		t.Errorf("fetch calls = %d, want 2 once within skew of exp", c.calls)
	}
}

func TestCached_FetchError(t *testing.T) {
	boom := errors.New("keychain locked")
	src := NewCached(func(context.Context) (domain.Credential, error) {
		return domain.Credential{}, boom
	})
	if _, err := src.Token(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Token() error = %v, want %v", err, boom)
	}

	empty := NewCached(func(context.Context) (domain.Credential, error) {
		return domain.Credential{}, nil
	})
	if _, err := empty.Token(context.Background()); !errors.Is(err, domain.ErrMissingCredential) {
		t.Errorf("empty credential error = %v, want ErrMissingCredential", err)
	}
}

func TestTokenExpiry_Opaque(t *testing.T) {
	if exp := tokenExpiry("ghu_opaque"); !exp.IsZero() {
		t.Errorf("tokenExpiry(opaque) = %v, want zero", exp)
	}
}

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "simple key",
			apiKey:   "test-key-123",
			expected: "625faa3fbbc3d2bd9d6ee7678d04cc5339cb33dc68d9b58451853d60046e226a",
		},
		{
			name:     "empty key",
			apiKey:   "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if hash := HashAPIKey(tt.apiKey); hash != tt.expected {
				t.Errorf("HashAPIKey() = %v, want %v", hash, tt.expected)
			}
		})
	}
}

func TestVerifier(t *testing.T) {
	v := NewVerifier("key-1", "", "key-2")

	tests := []struct {
		key  string
		want error
	}{
		{key: "key-1", want: nil},
		{key: "key-2", want: nil},
		{key: "key-3", want: ErrInvalidKey},
		{key: "", want: ErrMissingKey},
	}
	for _, tt := range tests {
		if err := v.Verify(tt.key); !errors.Is(err, tt.want) {
			t.Errorf("Verify(%q) = %v, want %v", tt.key, err, tt.want)
		}
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		header  http.Header
		want    string
		wantErr error
	}{
		{name: "bearer", header: http.Header{"Authorization": {"Bearer abc"}}, want: "abc"},
		{name: "lowercase scheme", header: http.Header{"Authorization": {"bearer abc"}}, want: "abc"},
		{name: "x-api-key", header: http.Header{"X-Api-Key": {"sk-ant"}}, want: "sk-ant"},
		{name: "missing", header: http.Header{}, wantErr: ErrMissingKey},
		{name: "basic", header: http.Header{"Authorization": {"Basic Zm9v"}}, wantErr: ErrInvalidKey},
		{name: "no key", header: http.Header{"Authorization": {"Bearer"}}, wantErr: ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.Header = tt.header
			got, err := ExtractAPIKey(r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExtractAPIKey() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
