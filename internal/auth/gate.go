// Package auth is the identity gate: every HTTP and WS request passes
// through it before any handler runs. Identity comes from the edge-issued
// Cloudflare Access token; authorization comes from the admin-maintained
// allowlist. A development mode accepts a plain email header instead of a
// token but still enforces the allowlist.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"logpose/internal/userid"
)

// Access tokens arrive on the header for API calls and on the cookie for
// WebSocket upgrades initiated by the browser.
const (
	headerAccessJWT = "Cf-Access-Jwt-Assertion"
	cookieAccessJWT = "CF_Authorization"

	headerDevEmail = "X-Dev-Email"
	queryDevEmail  = "devEmail"
)

var (
	ErrMissingToken = errors.New("missing access token")
	ErrInvalidToken = errors.New("invalid access token")
	ErrNotAllowed   = errors.New("email not on allowlist")
)

// Identity is the verified caller attached to the request context.
type Identity struct {
	// Email is the lowercase authenticated email.
	Email string
	// ShortID is the filesystem-safe user id derived from Email.
	ShortID string
	// IsAdmin reports admin rights at verification time.
	IsAdmin bool
}

type ctxKey struct{}

// FromContext returns the verified identity, if the gate ran.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Allowlist answers membership questions; the settings store implements it.
type Allowlist interface {
	IsAllowed(email string) bool
	IsAdmin(email string) bool
}

// Gate verifies request identity. DevMode bypasses token verification and
// trusts a caller-supplied email; it must never be enabled in production.
type Gate struct {
	allowlist Allowlist
	jwks      *JWKSCache
	audience  string
	devMode   bool
}

// NewGate creates the production gate verifying Access tokens from the given
// team domain against the expected audience.
func NewGate(allowlist Allowlist, teamDomain, audience string) *Gate {
	return &Gate{
		allowlist: allowlist,
		jwks:      NewJWKSCache(teamDomain),
		audience:  audience,
	}
}

// NewDevGate creates a gate that accepts an email from the X-Dev-Email
// header or devEmail query parameter. The allowlist still applies.
func NewDevGate(allowlist Allowlist) *Gate {
	return &Gate{allowlist: allowlist, devMode: true}
}

// Verify authenticates the request and returns the caller's identity.
func (g *Gate) Verify(r *http.Request) (Identity, error) {
	email, err := g.authenticate(r)
	if err != nil {
		return Identity{}, err
	}
	email = strings.ToLower(email)
	if !g.allowlist.IsAllowed(email) {
		return Identity{}, ErrNotAllowed
	}
	return Identity{
		Email:   email,
		ShortID: userid.ShortID(email),
		IsAdmin: g.allowlist.IsAdmin(email),
	}, nil
}

func (g *Gate) authenticate(r *http.Request) (string, error) {
	if g.devMode {
		if email := r.Header.Get(headerDevEmail); email != "" {
			return email, nil
		}
		if email := r.URL.Query().Get(queryDevEmail); email != "" {
			return email, nil
		}
		return "", ErrMissingToken
	}

	raw := r.Header.Get(headerAccessJWT)
	if raw == "" {
		if cookie, err := r.Cookie(cookieAccessJWT); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		return "", ErrMissingToken
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, g.jwks.Keyfunc,
		jwt.WithAudience(g.audience),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil || !token.Valid {
		slog.Debug("access token rejected", "error", err)
		return "", ErrInvalidToken
	}
	if claims.Email == "" {
		return "", ErrInvalidToken
	}
	return claims.Email, nil
}

// Middleware rejects unauthenticated or unauthorized requests and attaches
// the identity to the context for handlers downstream.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Verify(r)
		if err != nil {
			writeGateError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequireAdmin runs after Middleware and rejects non-admin callers.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsAdmin {
			writeJSONError(w, http.StatusForbidden, "FORBIDDEN", "admin rights required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotAllowed):
		writeJSONError(w, http.StatusForbidden, "FORBIDDEN", "email not allowlisted")
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	default:
		writeJSONError(w, http.StatusInternalServerError, "CONFIG_ERROR", "identity verification unavailable")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
