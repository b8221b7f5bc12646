package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
)

type contextKey string

const IdentityKey contextKey = "identity"

var errInvalidToken = errors.New("invalid bearer token")

// IdentityConfig controls bearer token handling
type IdentityConfig struct {
	// Secret verifies HS256 tokens. When empty, tokens are decoded without
	// verification and trusted as validated upstream, and the identity is
	// bound to a digest of the token.
	Secret string
	// Required rejects requests without a usable token
	Required bool
}

// Identity middleware resolves the caller identity from the Authorization
// header and stores it in the request context
func Identity(cfg IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if cfg.Required {
					w.Header().Set("WWW-Authenticate", `Bearer realm="viewer-hub"`)
					http.Error(w, "Authorization is required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), models.Anonymous())))
				return
			}

			identity, err := resolveIdentity(token, cfg.Secret)
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected bearer token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="viewer-hub", error="invalid_token"`)
				http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func resolveIdentity(token, secret string) (models.Identity, error) {
	claims := &models.JWTClaims{}

	if secret != "" {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return models.Identity{}, errors.Join(errInvalidToken, err)
		}
		return identityFromClaims(token, claims)
	}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// opaque token: the archives see it, the cache keys on its digest
		return models.Identity{
			Subject:       "opaque:" + tokenDigest(token),
			Token:         token,
			Authenticated: true,
		}, nil
	}

	identity, err := identityFromClaims(token, claims)
	if err != nil {
		return models.Identity{}, err
	}
	// an unverified sub can be claimed by anyone, so the cache keys on the
	// token as well
	identity.TokenDigest = tokenDigest(token)
	return identity, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func identityFromClaims(token string, claims *models.JWTClaims) (models.Identity, error) {
	if claims.Subject == "" {
		return models.Identity{}, errors.Join(errInvalidToken, errors.New("token has no subject"))
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return models.Identity{
		Subject:       claims.Subject,
		Name:          name,
		Token:         token,
		Authenticated: true,
	}, nil
}

// WithIdentity returns a copy of ctx carrying identity
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentity extracts the caller identity from context, anonymous when unset
func GetIdentity(ctx context.Context) models.Identity {
	identity, ok := ctx.Value(IdentityKey).(models.Identity)
	if !ok {
		return models.Anonymous()
	}
	return identity
}
