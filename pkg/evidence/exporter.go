// Package evidence writes the operations evidence bundle: a directory of JSON
// state documents, an incident playbook and a digest manifest, optionally
// age-encrypted and uploaded to write-once artifact storage.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"filippo.io/age"

	"github.com/Mindburn-Labs/helm-ops/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ops/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/versioning"
)

const (
	Format       = "helm-ops-evidence-v1"
	ManifestName = "manifest.json"
	AgeSuffix    = ".age"
)

// Snapshot is the workspace state captured into a bundle. Each field is
// rendered as one JSON document.
type Snapshot struct {
	WorkspaceID       string
	AuditLog          any
	AuditVerification any
	Rollout           any
	RBAC              any
	Outcomes          any
	AuditRemote       any
	Billing           any
	Workflow          any
	ComplianceProfile any
	CompliancePosture any
	MissionSummary    any
}

func (s Snapshot) documents() []document {
	return []document{
		{"audit-log.json", s.AuditLog},
		{"audit-verify.json", s.AuditVerification},
		{"rollout-state.json", s.Rollout},
		{"rbac-users.json", s.RBAC},
		{"outcomes.json", s.Outcomes},
		{"audit-remote-state.json", s.AuditRemote},
		{"billing-state.json", s.Billing},
		{"workflow-board.json", s.Workflow},
		{"compliance-profile.json", s.ComplianceProfile},
		{"compliance-posture.json", s.CompliancePosture},
		{"mission-summary.json", s.MissionSummary},
	}
}

type document struct {
	name  string
	value any
}

// Options controls an export.
type Options struct {
	// OutputDir defaults to <BaseDir>/evidence-<timestamp>.
	OutputDir string
	BaseDir   string
	// Recipients are age X25519 public keys (age1...). When set every file
	// except the manifest is encrypted.
	Recipients []string
	Upload     bool
}

// Result summarizes a written bundle.
type Result struct {
	OutputDir      string             `json:"output_dir"`
	Files          []string           `json:"files"`
	Uploaded       []artifacts.Object `json:"uploaded"`
	ManifestDigest string             `json:"manifest_digest"`
	Encrypted      bool               `json:"encrypted"`
}

// Manifest lists every file in a bundle with its digest.
type Manifest struct {
	Format      string         `json:"format"`
	WorkspaceID string         `json:"workspace_id"`
	ExportedAt  time.Time      `json:"exported_at"`
	AppVersion  string         `json:"app_version"`
	Encrypted   bool           `json:"encrypted"`
	Files       []ManifestFile `json:"files"`
}

// ManifestFile is one manifest entry. SHA256 covers the bytes on disk.
type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Exporter writes bundles.
type Exporter struct {
	store artifacts.Store
	clock func() time.Time
}

// NewExporter creates an exporter. store may be nil when uploads are not
// configured.
func NewExporter(store artifacts.Store) *Exporter {
	return &Exporter{store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export writes the bundle for snap.
func (e *Exporter) Export(ctx context.Context, snap Snapshot, opts Options) (*Result, error) {
	if snap.WorkspaceID == "" {
		return nil, fault.Validation("workspace id is required")
	}
	if opts.Upload && e.store == nil {
		return nil, fault.Validation("artifact storage is not configured")
	}
	recipients, err := parseRecipients(opts.Recipients)
	if err != nil {
		return nil, err
	}
	version, err := versioning.Current()
	if err != nil {
		return nil, fmt.Errorf("evidence export: %w", err)
	}

	now := e.clock().UTC()
	dir := opts.OutputDir
	if dir == "" {
		dir = filepath.Join(opts.BaseDir, "evidence-"+now.Format("20060102-150405"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory %s: %w", dir, err)
	}

	contents := append(snap.documents(), document{"version-manifest.json", versionManifest{
		Info:        version,
		ExportedAt:  now,
		WorkspaceID: snap.WorkspaceID,
	}})

	manifest := Manifest{
		Format:      Format,
		WorkspaceID: snap.WorkspaceID,
		ExportedAt:  now,
		AppVersion:  version.Version,
		Encrypted:   len(recipients) > 0,
	}
	written := make(map[string][]byte, 14)
	res := &Result{OutputDir: dir, Encrypted: manifest.Encrypted, Files: make([]string, 0, 14)}

	write := func(name string, data []byte) error {
		if len(recipients) > 0 {
			sealed, err := encrypt(data, recipients)
			if err != nil {
				return fmt.Errorf("failed to encrypt %s: %w", name, err)
			}
			name, data = name+AgeSuffix, sealed
		}
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o640); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, ManifestFile{Name: name, SHA256: canonicalize.HashBytes(data), Bytes: len(data)})
		written[name] = data
		res.Files = append(res.Files, p)
		return nil
	}

	for _, doc := range contents {
		data, err := json.MarshalIndent(doc.value, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", doc.name, err)
		}
		if err := write(doc.name, append(data, '\n')); err != nil {
			return nil, err
		}
	}
	if err := write("incident-playbook.md", []byte(IncidentPlaybook)); err != nil {
		return nil, err
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	manifestData = append(manifestData, '\n')
	manifestPath := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(manifestPath, manifestData, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	written[ManifestName] = manifestData
	res.Files = append(res.Files, manifestPath)
	res.ManifestDigest = canonicalize.HashBytes(manifestData)

	if opts.Upload {
		prefix := path.Join(snap.WorkspaceID, filepath.Base(dir))
		// manifest last, so a reader that finds it can trust the rest is there
		names := make([]string, 0, len(written))
		for _, f := range manifest.Files {
			names = append(names, f.Name)
		}
		names = append(names, ManifestName)
		for _, name := range names {
			obj, err := e.store.Put(ctx, path.Join(prefix, name), written[name], contentType(name))
			if err != nil {
				return nil, fault.SinkUnavailable("artifact store", err)
			}
			res.Uploaded = append(res.Uploaded, obj)
		}
	}
	return res, nil
}

type versionManifest struct {
	versioning.Info
	ExportedAt  time.Time `json:"exported_at"`
	WorkspaceID string    `json:"workspace_id"`
}

func parseRecipients(keys []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fault.Validation("invalid age recipient %q: %v", key, err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

func encrypt(plaintext []byte, recipients []age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case AgeSuffix:
		return "application/age-encryption"
	}
	return "application/octet-stream"
}

// IncidentPlaybook is the security incident workflow shipped with every
// bundle.
const IncidentPlaybook = `# Security Incident and Vulnerability Reporting Pack

## Security Contact
- Email: security@example.com
- PGP: to-be-configured

## Operational SLA Targets (Template)
- Initial acknowledgment: <= 24h
- Triage complete: <= 72h
- Customer update cadence: every 24h until mitigation

## Workflow (Template)
1. Detect the incident or vulnerability.
2. Preserve this evidence bundle; verify manifest.json before and after transfer.
3. Classify severity and affected releases and endpoints.
4. Contain: roll back the current release if needed (release.rollback).
5. Notify impacted customers and regulators per legal obligations.
6. Publish remediation and verification evidence.
`
