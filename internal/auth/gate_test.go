package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAllowlist struct {
	allowed map[string]bool
	admins  map[string]bool
}

func (a staticAllowlist) IsAllowed(email string) bool { return a.allowed[email] }
func (a staticAllowlist) IsAdmin(email string) bool   { return a.admins[email] }

func testAllowlist() staticAllowlist {
	return staticAllowlist{
		allowed: map[string]bool{"jane@example.com": true, "admin@example.com": true},
		admins:  map[string]bool{"admin@example.com": true},
	}
}

func TestDevGate(t *testing.T) {
	g := NewDevGate(testAllowlist())

	t.Run("header email", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		r.Header.Set("X-Dev-Email", "Jane@Example.com")
		id, err := g.Verify(r)
		require.NoError(t, err)
		assert.Equal(t, "jane@example.com", id.Email)
		assert.Equal(t, "jane", id.ShortID)
		assert.False(t, id.IsAdmin)
	})

	t.Run("query email", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/claude?devEmail=admin@example.com", nil)
		id, err := g.Verify(r)
		require.NoError(t, err)
		assert.True(t, id.IsAdmin)
	})

	t.Run("missing email", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		_, err := g.Verify(r)
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("allowlist still enforced", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		r.Header.Set("X-Dev-Email", "intruder@example.com")
		_, err := g.Verify(r)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})
}

// signedToken mints an RS256 token with the given kid and claims tweaks.
func signedToken(t *testing.T, key *rsa.PrivateKey, kid string, mutate func(*AccessClaims)) string {
	t.Helper()
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"expected-aud"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: "Jane@Example.com",
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTokenGate(t *testing.T) (*Gate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	g := NewGate(testAllowlist(), "example.cloudflareaccess.com", "expected-aud")
	g.jwks.setKeysForTest(map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	return g, key
}

func TestGateVerifiesToken(t *testing.T) {
	g, key := newTokenGate(t)

	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Cf-Access-Jwt-Assertion", signedToken(t, key, "kid-1", nil))

	id, err := g.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", id.Email)
	assert.Equal(t, "jane", id.ShortID)
}

func TestGateAcceptsCookieToken(t *testing.T) {
	g, key := newTokenGate(t)

	r := httptest.NewRequest(http.MethodGet, "/ws/claude", nil)
	r.AddCookie(&http.Cookie{Name: "CF_Authorization", Value: signedToken(t, key, "kid-1", nil)})

	id, err := g.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", id.Email)
}

func TestGateRejections(t *testing.T) {
	g, key := newTokenGate(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{
			name: "missing token",
			want: ErrMissingToken,
		},
		{
			name:  "garbage token",
			token: "not-a-jwt",
			want:  ErrInvalidToken,
		},
		{
			name:  "unknown kid",
			token: signedToken(t, key, "kid-unknown", nil),
			want:  ErrInvalidToken,
		},
		{
			name:  "wrong signing key",
			token: signedToken(t, otherKey, "kid-1", nil),
			want:  ErrInvalidToken,
		},
		{
			name: "wrong audience",
			token: signedToken(t, key, "kid-1", func(c *AccessClaims) {
				c.Audience = jwt.ClaimStrings{"someone-else"}
			}),
			want: ErrInvalidToken,
		},
		{
			name: "expired",
			token: signedToken(t, key, "kid-1", func(c *AccessClaims) {
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			}),
			want: ErrInvalidToken,
		},
		{
			name: "no email claim",
			token: signedToken(t, key, "kid-1", func(c *AccessClaims) {
				c.Email = ""
			}),
			want: ErrInvalidToken,
		},
		{
			name: "valid token, not allowlisted",
			token: signedToken(t, key, "kid-1", func(c *AccessClaims) {
				c.Email = "intruder@example.com"
			}),
			want: ErrNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.token != "" {
				r.Header.Set("Cf-Access-Jwt-Assertion", tt.token)
			}
			_, err := g.Verify(r)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMiddleware(t *testing.T) {
	g := NewDevGate(testAllowlist())

	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("authorized", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		r.Header.Set("X-Dev-Email", "jane@example.com")
		w := httptest.NewRecorder()
		g.Middleware(next).ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "jane@example.com", seen.Email)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := httptest.NewRecorder()
		g.Middleware(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
	})

	t.Run("forbidden", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		r.Header.Set("X-Dev-Email", "intruder@example.com")
		w := httptest.NewRecorder()
		g.Middleware(next).ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRequireAdmin(t *testing.T) {
	g := NewDevGate(testAllowlist())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := g.Middleware(RequireAdmin(next))

	r := httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil)
	r.Header.Set("X-Dev-Email", "admin@example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil)
	r.Header.Set("X-Dev-Email", "jane@example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
