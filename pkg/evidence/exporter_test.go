package evidence_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ops/pkg/evidence"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func snapshot() evidence.Snapshot {
	return evidence.Snapshot{
		WorkspaceID:       "ws-1",
		AuditLog:          []map[string]string{{"id": "audit-1"}},
		AuditVerification: map[string]any{"valid": true, "entries": 1},
		Rollout:           map[string]string{"ring": "pilot"},
		RBAC:              map[string]any{"users": []string{"local-admin"}},
		Outcomes:          []any{},
		AuditRemote:       map[string]bool{"enabled": false},
		Billing:           map[string]string{"tier": "enterprise"},
		Workflow:          map[string]any{"tasks": []any{}},
		ComplianceProfile: nil,
		CompliancePosture: map[string]bool{"compliant": false},
		MissionSummary:    map[string]int{"receipts_total": 3},
	}
}

func TestExportWritesBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle")
	exp := evidence.NewExporter(nil).WithClock(func() time.Time { return fixedNow })

	res, err := exp.Export(context.Background(), snapshot(), evidence.Options{OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, res.OutputDir)
	assert.Len(t, res.Files, len(evidence.RequiredFiles)+1)
	assert.Empty(t, res.Uploaded)
	assert.NotEmpty(t, res.ManifestDigest)

	for _, name := range evidence.RequiredFiles {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	playbook, err := os.ReadFile(filepath.Join(dir, "incident-playbook.md"))
	require.NoError(t, err)
	assert.Equal(t, evidence.IncidentPlaybook, string(playbook))

	var version map[string]any
	data, err := os.ReadFile(filepath.Join(dir, "version-manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &version))
	assert.Equal(t, "helm-ops", version["app_name"])
	assert.Equal(t, "ws-1", version["workspace_id"])

	verdict, err := evidence.Verify(dir)
	require.NoError(t, err)
	assert.True(t, verdict.Satisfied, "missing=%v mismatched=%v", verdict.Missing, verdict.Mismatched)
	assert.Equal(t, fixedNow, verdict.Manifest.ExportedAt)
}

func TestExportDefaultDirectory(t *testing.T) {
	base := t.TempDir()
	exp := evidence.NewExporter(nil).WithClock(func() time.Time { return fixedNow })
	res, err := exp.Export(context.Background(), snapshot(), evidence.Options{BaseDir: base})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "evidence-20260304-050607"), res.OutputDir)
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	_, err := evidence.NewExporter(nil).Export(context.Background(), snapshot(), evidence.Options{OutputDir: dir})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rbac-users.json"), []byte(`{"users":[]}`), 0o640))
	require.NoError(t, os.Remove(filepath.Join(dir, "outcomes.json")))

	verdict, err := evidence.Verify(dir)
	require.NoError(t, err)
	assert.False(t, verdict.Satisfied)
	assert.Equal(t, []string{"rbac-users.json"}, verdict.Mismatched)
	assert.Equal(t, []string{"outcomes.json"}, verdict.Missing)
}

func TestVerifyWithoutManifest(t *testing.T) {
	verdict, err := evidence.Verify(t.TempDir())
	require.NoError(t, err)
	assert.False(t, verdict.Satisfied)
	assert.Equal(t, []string{evidence.ManifestName}, verdict.Missing)
}

func TestExportEncryptsToRecipients(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	dir := t.TempDir()

	res, err := evidence.NewExporter(nil).Export(context.Background(), snapshot(), evidence.Options{
		OutputDir:  dir,
		Recipients: []string{id.Recipient().String()},
	})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)
	assert.NoFileExists(t, filepath.Join(dir, "billing-state.json"))

	sealed, err := os.ReadFile(filepath.Join(dir, "billing-state.json.age"))
	require.NoError(t, err)
	r, err := age.Decrypt(bytes.NewReader(sealed), id)
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"enterprise"}`, string(plain))

	verdict, err := evidence.Verify(dir)
	require.NoError(t, err)
	assert.True(t, verdict.Satisfied)
}

func TestExportRejectsBadRecipient(t *testing.T) {
	_, err := evidence.NewExporter(nil).Export(context.Background(), snapshot(), evidence.Options{
		OutputDir:  t.TempDir(),
		Recipients: []string{"age1notakey"},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestExportUploadsToArtifactStore(t *testing.T) {
	store, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "evidence-1")

	res, err := evidence.NewExporter(store).Export(context.Background(), snapshot(), evidence.Options{OutputDir: dir, Upload: true})
	require.NoError(t, err)
	require.Len(t, res.Uploaded, len(evidence.RequiredFiles)+1)
	assert.Equal(t, "ws-1/evidence-1/manifest.json", res.Uploaded[len(res.Uploaded)-1].Key)

	local, err := os.ReadFile(filepath.Join(dir, "audit-log.json"))
	require.NoError(t, err)
	remote, err := store.Get(context.Background(), "ws-1/evidence-1/audit-log.json")
	require.NoError(t, err)
	assert.Equal(t, local, remote)
}

func TestExportUploadWithoutStore(t *testing.T) {
	_, err := evidence.NewExporter(nil).Export(context.Background(), snapshot(), evidence.Options{OutputDir: t.TempDir(), Upload: true})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

type failingStore struct{ artifacts.FileStore }

func (*failingStore) Put(context.Context, string, []byte, string) (artifacts.Object, error) {
	return artifacts.Object{}, errors.New("bucket unavailable")
}

func TestExportUploadFailureIsSinkUnavailable(t *testing.T) {
	_, err := evidence.NewExporter(&failingStore{}).Export(context.Background(), snapshot(), evidence.Options{OutputDir: t.TempDir(), Upload: true})
	assert.True(t, fault.Is(err, fault.KindSinkUnavailable))
}
