package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by a Cloudflare Access application
// token. Only the fields the gate consumes are declared.
type AccessClaims struct {
	jwt.RegisteredClaims

	// Email is the authenticated user's email address.
	Email string `json:"email"`

	// IdentityNonce is present on Access tokens; unused but kept so a
	// token dump in debug logs stays recognizable.
	IdentityNonce string `json:"identity_nonce,omitempty"`
}
