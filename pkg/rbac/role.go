package rbac

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Role is a workspace role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleUser     Role = "user"
	RoleObserver Role = "observer"
)

// legacy names accepted on write.
var roleAliases = map[string]Role{
	"admin":    RoleAdmin,
	"owner":    RoleAdmin,
	"manager":  RoleManager,
	"user":     RoleUser,
	"operator": RoleUser,
	"observer": RoleObserver,
	"viewer":   RoleObserver,
}

var folder = cases.Fold()

// ParseRole normalizes raw (NFKC, case folded, trimmed) and resolves legacy names.
func ParseRole(raw string) (Role, error) {
	key := folder.String(norm.NFKC.String(strings.TrimSpace(raw)))
	role, ok := roleAliases[key]
	if !ok {
		return "", fault.Validation("unknown role %q", raw)
	}
	return role, nil
}

// ParseRoleOr is ParseRole with a fallback for empty input.
func ParseRoleOr(raw string, fallback Role) (Role, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return ParseRole(raw)
}

// CanResolveApprovals reports whether the role may approve or reject requests.
func (r Role) CanResolveApprovals() bool {
	return r == RoleAdmin || r == RoleManager
}

func (r Role) String() string { return string(r) }

// UnmarshalJSON accepts legacy role names.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
