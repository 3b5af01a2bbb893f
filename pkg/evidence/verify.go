package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/canonicalize"
)

// RequiredFiles is the contract every bundle satisfies, by plaintext name.
var RequiredFiles = []string{
	"audit-log.json",
	"audit-verify.json",
	"rollout-state.json",
	"rbac-users.json",
	"outcomes.json",
	"audit-remote-state.json",
	"billing-state.json",
	"workflow-board.json",
	"compliance-profile.json",
	"compliance-posture.json",
	"mission-summary.json",
	"version-manifest.json",
	"incident-playbook.md",
}

// Verdict is the result of checking a bundle directory against its manifest.
type Verdict struct {
	Satisfied  bool      `json:"satisfied"`
	Files      int       `json:"files"`
	Missing    []string  `json:"missing,omitempty"`
	Mismatched []string  `json:"mismatched,omitempty"`
	Manifest   *Manifest `json:"manifest,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Verify checks that dir holds a manifest naming every required file and
// that each listed file still matches its digest. Fail-closed: an
// unreadable file counts as mismatched.
func Verify(dir string) (*Verdict, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Verdict{Missing: []string{ManifestName}, VerifiedAt: time.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Format != Format {
		return nil, fmt.Errorf("unsupported evidence format %q", m.Format)
	}

	v := &Verdict{Manifest: &m, Files: len(m.Files), VerifiedAt: time.Now().UTC()}
	listed := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		name := f.Name
		if m.Encrypted {
			name = strings.TrimSuffix(name, AgeSuffix)
		}
		listed[name] = true

		if strings.ContainsAny(f.Name, `/\`) {
			v.Mismatched = append(v.Mismatched, f.Name)
			continue
		}
		got, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				v.Missing = append(v.Missing, f.Name)
			} else {
				v.Mismatched = append(v.Mismatched, f.Name)
			}
			continue
		}
		if canonicalize.HashBytes(got) != f.SHA256 {
			v.Mismatched = append(v.Mismatched, f.Name)
		}
	}
	for _, name := range RequiredFiles {
		if !listed[name] {
			v.Missing = append(v.Missing, name)
		}
	}
	sort.Strings(v.Missing)
	sort.Strings(v.Mismatched)
	v.Satisfied = len(v.Missing) == 0 && len(v.Mismatched) == 0
	return v, nil
}
