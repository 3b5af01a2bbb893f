// Package rbac holds the users and roles of a workspace.
package rbac

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

const (
	bootstrapAdminID   = "local-admin"
	bootstrapAdminName = "Local Admin"
	registryVersion    = 1
)

// User is a registry entry keyed by UserID.
type User struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is the persisted and returned form of the registry.
type Snapshot struct {
	Version   int       `json:"version"`
	Users     []User    `json:"users"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertRequest creates or updates a user.
type UpsertRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	users     []User
	updatedAt time.Time
	clock     func() time.Time
}

// NewRegistry creates a registry seeded with the bootstrap admin.
func NewRegistry() *Registry {
	r := &Registry{clock: time.Now}
	r.ensureAdmin()
	return r
}

// WithClock overrides clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

// Restore replaces the registry contents with a persisted snapshot.
func (r *Registry) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append([]User(nil), s.Users...)
	r.updatedAt = s.UpdatedAt
	r.ensureAdmin()
}

// Upsert creates or updates a user by UserID.
func (r *Registry) Upsert(req UpsertRequest) (Snapshot, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Snapshot{}, fault.Validation("user_id is required")
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return Snapshot{}, err
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = userID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	updated := false
	for i := range r.users {
		if r.users[i].UserID == userID {
			r.users[i].DisplayName = displayName
			r.users[i].Role = role
			r.users[i].Active = req.Active
			r.users[i].UpdatedAt = now
			updated = true
			break
		}
	}
	if !updated {
		r.users = append(r.users, User{
			UserID:      userID,
			DisplayName: displayName,
			Role:        role,
			Active:      req.Active,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	r.updatedAt = now
	return r.snapshotLocked(), nil
}

// List returns the full registry.
func (r *Registry) List() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Get returns a user by id.
func (r *Registry) Get(userID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.UserID == userID {
			return u, true
		}
	}
	return User{}, false
}

// HasActive reports whether an active user holds role.
func (r *Registry) HasActive(role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Active && u.Role == role {
			return true
		}
	}
	return false
}

// CountActive returns active users per role.
func (r *Registry) CountActive() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]int)
	for _, u := range r.users {
		if u.Active {
			out[u.Role]++
		}
	}
	return out
}

func (r *Registry) snapshotLocked() Snapshot {
	users := append([]User(nil), r.users...)
	sort.SliceStable(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return Snapshot{Version: registryVersion, Users: users, UpdatedAt: r.updatedAt}
}

// ensureAdmin seeds the bootstrap admin when no admin record exists.
// Caller must hold mu or be the constructor.
func (r *Registry) ensureAdmin() {
	for _, u := range r.users {
		if u.Role == RoleAdmin {
			return
		}
	}
	now := r.clock().UTC()
	r.users = append(r.users, User{
		UserID:      bootstrapAdminID,
		DisplayName: bootstrapAdminName,
		Role:        RoleAdmin,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	r.updatedAt = now
}
