// Package secrets resolves auth_secret_id references used by the remote
// audit sink and the billing backend.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// ErrSecretNotFound is returned when no backend holds the secret.
var ErrSecretNotFound = errors.New("secret not found")

// Resolver resolves a secret id within a workspace.
type Resolver interface {
	Resolve(ctx context.Context, workspaceID, secretID string) (string, error)
}

// EnvPrefix is the environment variable prefix read by EnvResolver.
const EnvPrefix = "HELM_OPS_SECRET_"

// EnvResolver reads secrets from the environment. A workspace-scoped
// variable HELM_OPS_SECRET_<WORKSPACE>_<ID> wins over HELM_OPS_SECRET_<ID>.
type EnvResolver struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvResolver creates a resolver over the process environment.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{Prefix: EnvPrefix, lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(_ context.Context, workspaceID, secretID string) (string, error) {
	if strings.TrimSpace(secretID) == "" {
		return "", fmt.Errorf("resolve secret: empty secret id")
	}
	lookup := r.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	candidates := []string{r.Prefix + envName(secretID)}
	if workspaceID != "" {
		candidates = append([]string{r.Prefix + envName(workspaceID) + "_" + envName(secretID)}, candidates...)
	}
	for _, name := range candidates {
		if v, ok := lookup(name); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("secret %q: %w", secretID, ErrSecretNotFound)
}

// Chain tries each resolver in order and returns the first hit. Errors other
// than ErrSecretNotFound stop the search.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, workspaceID, secretID string) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		v, err := r.Resolve(ctx, workspaceID, secretID)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("secret %q: %w", secretID, ErrSecretNotFound)
}

func envName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
