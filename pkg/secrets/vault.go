package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	vaultVersion = 1
	kdfSalt      = "helm-ops-workspace-kdf"
	nonceSize    = 24
	keySize      = 32
)

var ErrSealedValueCorrupt = errors.New("sealed secret is corrupt or was sealed with another key")

// vaultFile is the on-disk JSON format: workspace -> secret id -> sealed value.
type vaultFile struct {
	Version int                          `json:"version"`
	Entries map[string]map[string]string `json:"entries"`
}

// Vault is a file-backed secret store. Each workspace seals its entries
// with a key derived from the master key, so entries cannot be moved
// between workspaces.
type Vault struct {
	mu     sync.RWMutex
	path   string
	master []byte
	data   vaultFile
}

// ParseMasterKey decodes a base64 master key of 32 bytes.
func ParseMasterKey(raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// OpenVault loads the vault at path, creating an empty one if missing.
func OpenVault(path string, masterKey []byte) (*Vault, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes", keySize)
	}
	v := &Vault{
		path:   path,
		master: append([]byte(nil), masterKey...),
		data:   vaultFile{Version: vaultVersion, Entries: map[string]map[string]string{}},
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &v.data); err != nil {
		return nil, fmt.Errorf("vault: parse %s: %w", path, err)
	}
	if v.data.Entries == nil {
		v.data.Entries = map[string]map[string]string{}
	}
	return v, nil
}

// Put seals value under secretID and persists the vault.
func (v *Vault) Put(workspaceID, secretID, value string) error {
	if secretID == "" {
		return fmt.Errorf("vault: empty secret id")
	}
	key, err := v.workspaceKey(workspaceID)
	if err != nil {
		return err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, key)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data.Entries[workspaceID] == nil {
		v.data.Entries[workspaceID] = map[string]string{}
	}
	v.data.Entries[workspaceID][secretID] = base64.StdEncoding.EncodeToString(sealed)
	return v.saveLocked()
}

// Delete removes a secret and persists the vault.
func (v *Vault) Delete(workspaceID, secretID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.data.Entries[workspaceID][secretID]; !ok {
		return fmt.Errorf("secret %q: %w", secretID, ErrSecretNotFound)
	}
	delete(v.data.Entries[workspaceID], secretID)
	return v.saveLocked()
}

// IDs lists the secret ids stored for a workspace.
func (v *Vault) IDs(workspaceID string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.data.Entries[workspaceID]))
	for id := range v.data.Entries[workspaceID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve implements Resolver.
func (v *Vault) Resolve(_ context.Context, workspaceID, secretID string) (string, error) {
	v.mu.RLock()
	encoded, ok := v.data.Entries[workspaceID][secretID]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("secret %q: %w", secretID, ErrSecretNotFound)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrSealedValueCorrupt
	}
	key, err := v.workspaceKey(workspaceID)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return "", ErrSealedValueCorrupt
	}
	return string(plain), nil
}

// workspaceKey derives the sealing key of a workspace with HKDF-SHA256.
func (v *Vault) workspaceKey(workspaceID string) (*[keySize]byte, error) {
	r := hkdf.New(sha256.New, v.master, []byte(kdfSalt), []byte(workspaceID))
	var key [keySize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("vault: derive workspace key: %w", err)
	}
	return &key, nil
}

func (v *Vault) saveLocked() error {
	if v.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("vault: create dir: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("vault: write: %w", err)
	}
	return os.Rename(tmp, v.path)
}
