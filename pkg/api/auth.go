package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-ops/pkg/controlplane"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
)

// Claims are the JWT claims expected on API requests. The subject is the
// actor id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	// Workspaces restricts the token; empty means every workspace.
	Workspaces []string `json:"workspaces,omitempty"`
}

// JWTValidator validates HMAC-signed bearer tokens.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator returns nil for an empty secret.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	if _, err := rbac.ParseRole(claims.Role); err != nil {
		return nil, fmt.Errorf("token role: %w", err)
	}
	return claims, nil
}

// Sign issues a token for the given claims. Used by operators and tests.
func (v *JWTValidator) Sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

type actorKey struct{}

type principal struct {
	actor      controlplane.Actor
	workspaces []string
}

// ActorFrom returns the authenticated actor, or the default local actor.
func ActorFrom(ctx context.Context) controlplane.Actor {
	if p, ok := ctx.Value(actorKey{}).(principal); ok {
		return p.actor
	}
	return controlplane.Actor{}
}

func allowedWorkspace(ctx context.Context, ws string) bool {
	p, ok := ctx.Value(actorKey{}).(principal)
	if !ok || len(p.workspaces) == 0 {
		return true
	}
	return slices.Contains(p.workspaces, ws)
}

// publicPaths do not require authentication.
var publicPaths = []string{"/health", "/api/v1/version"}

func isPublicPath(path string) bool {
	return slices.Contains(publicPaths, path)
}

// AuthMiddleware resolves the acting identity from a bearer token. With a nil
// validator every request acts as the default local actor, which is only
// meant for single-operator deployments.
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			scheme, tokenStr, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				WriteUnauthorized(w, "Missing or malformed Authorization header (expected 'Bearer <token>')")
				return
			}
			claims, err := validator.Validate(tokenStr)
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, principal{
				actor:      controlplane.Actor{ID: claims.Subject, Role: claims.Role},
				workspaces: claims.Workspaces,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
