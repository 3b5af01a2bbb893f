package rbac

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestNewRegistrySeedsAdmin(t *testing.T) {
	r := NewRegistry()
	snap := r.List()
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "local-admin", snap.Users[0].UserID)
	assert.Equal(t, RoleAdmin, snap.Users[0].Role)
	assert.True(t, r.HasActive(RoleAdmin))
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	r := NewRegistry().WithClock(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	snap, err := r.Upsert(UpsertRequest{UserID: "alice", DisplayName: "Alice", Role: "operator", Active: true})
	require.NoError(t, err)
	require.Len(t, snap.Users, 2)

	alice, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, RoleUser, alice.Role)
	created := alice.CreatedAt

	snap, err = r.Upsert(UpsertRequest{UserID: "alice", DisplayName: "Alice B", Role: "viewer", Active: false})
	require.NoError(t, err)
	require.Len(t, snap.Users, 2)

	alice, _ = r.Get("alice")
	assert.Equal(t, "Alice B", alice.DisplayName)
	assert.Equal(t, RoleObserver, alice.Role)
	assert.False(t, alice.Active)
	assert.Equal(t, created, alice.CreatedAt)
	assert.True(t, alice.UpdatedAt.After(created))
	assert.Equal(t, alice.UpdatedAt, snap.UpdatedAt)
}

func TestUpsertValidation(t *testing.T) {
	r := NewRegistry()
	_, err := r.Upsert(UpsertRequest{UserID: "  ", Role: "admin"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = r.Upsert(UpsertRequest{UserID: "bob", Role: "superuser"})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestParseRoleAliases(t *testing.T) {
	cases := map[string]Role{
		"owner":     RoleAdmin,
		"ADMIN":     RoleAdmin,
		" Manager ": RoleManager,
		"operator":  RoleUser,
		"Viewer":    RoleObserver,
		"ｏｂｓｅｒｖｅｒ": RoleObserver, // fullwidth, NFKC folds it
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestRoleUnmarshalLegacy(t *testing.T) {
	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"user_id":"x","role":"owner"}`), &u))
	assert.Equal(t, RoleAdmin, u.Role)
}

func TestRestoreKeepsAdminInvariant(t *testing.T) {
	r := NewRegistry()
	r.Restore(Snapshot{Users: []User{{UserID: "obs", Role: RoleObserver, Active: true}}})
	snap := r.List()
	assert.Len(t, snap.Users, 2)
	assert.True(t, r.HasActive(RoleAdmin))
	assert.True(t, r.HasActive(RoleObserver))
	assert.Equal(t, 1, r.CountActive()[RoleObserver])
}

func TestCanResolveApprovals(t *testing.T) {
	assert.True(t, RoleAdmin.CanResolveApprovals())
	assert.True(t, RoleManager.CanResolveApprovals())
	assert.False(t, RoleUser.CanResolveApprovals())
	assert.False(t, RoleObserver.CanResolveApprovals())
}
