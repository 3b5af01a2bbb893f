package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEnvResolverPrefersWorkspaceScope(t *testing.T) {
	t.Setenv("HELM_OPS_SECRET_SIEM_TOKEN", "global")
	r := NewEnvResolver()

	v, err := r.Resolve(context.Background(), "acme", "siem-token")
	require.NoError(t, err)
	assert.Equal(t, "global", v)

	t.Setenv("HELM_OPS_SECRET_ACME_SIEM_TOKEN", "scoped")
	v, err = r.Resolve(context.Background(), "acme", "siem-token")
	require.NoError(t, err)
	assert.Equal(t, "scoped", v)

	_, err = r.Resolve(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVaultRoundTripAndIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault", "secrets.json")
	key := testKey(t)

	v, err := OpenVault(path, key)
	require.NoError(t, err)
	require.NoError(t, v.Put("acme", "billing", "tok-1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := OpenVault(path, key)
	require.NoError(t, err)
	got, err := reopened.Resolve(context.Background(), "acme", "billing")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
	assert.Equal(t, []string{"billing"}, reopened.IDs("acme"))

	_, err = reopened.Resolve(context.Background(), "other", "billing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	// Moving a sealed value to another workspace must not decrypt.
	reopened.data.Entries["other"] = map[string]string{"billing": reopened.data.Entries["acme"]["billing"]}
	_, err = reopened.Resolve(context.Background(), "other", "billing")
	assert.ErrorIs(t, err, ErrSealedValueCorrupt)

	wrongKey, err := OpenVault(path, testKey(t))
	require.NoError(t, err)
	_, err = wrongKey.Resolve(context.Background(), "acme", "billing")
	assert.ErrorIs(t, err, ErrSealedValueCorrupt)

	require.NoError(t, reopened.Delete("acme", "billing"))
	assert.ErrorIs(t, reopened.Delete("acme", "billing"), ErrSecretNotFound)
}

func TestChainFallsThrough(t *testing.T) {
	t.Setenv("HELM_OPS_SECRET_SIEM", "from-env")
	v, err := OpenVault("", testKey(t))
	require.NoError(t, err)
	require.NoError(t, v.Put("ws", "billing", "from-vault"))

	c := Chain{v, NewEnvResolver()}
	got, err := c.Resolve(context.Background(), "ws", "billing")
	require.NoError(t, err)
	assert.Equal(t, "from-vault", got)

	got, err = c.Resolve(context.Background(), "ws", "siem")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	_, err = c.Resolve(context.Background(), "ws", "nothing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestParseMasterKey(t *testing.T) {
	key := testKey(t)
	got, err := ParseMasterKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParseMasterKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = ParseMasterKey("!!")
	assert.Error(t, err)
}
