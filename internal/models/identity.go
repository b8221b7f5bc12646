package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the claims read from the caller's bearer token
type JWTClaims struct {
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the pre-validated caller identity. It is passed explicitly
// through the pipeline and bound into the fingerprint.
type Identity struct {
	Subject       string
	Name          string
	Token         string
	Authenticated bool
	// TokenDigest is set when the subject was read from a token whose
	// signature was not checked
	TokenDigest string
}

// Anonymous returns the identity of an unauthenticated caller
func Anonymous() Identity {
	return Identity{}
}

// Discriminator is the identity component of a fingerprint
func (i Identity) Discriminator() string {
	if !i.Authenticated || i.Subject == "" {
		return "anonymous"
	}
	if i.TokenDigest != "" {
		return "sub:" + i.Subject + ":" + i.TokenDigest
	}
	return "sub:" + i.Subject
}
