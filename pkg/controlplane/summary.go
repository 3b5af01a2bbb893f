package controlplane

import (
	"context"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/compliance"
	"github.com/Mindburn-Labs/helm-ops/pkg/evidence"
	"github.com/Mindburn-Labs/helm-ops/pkg/observability"
	"github.com/Mindburn-Labs/helm-ops/pkg/outcomes"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
	"github.com/Mindburn-Labs/helm-ops/pkg/workflow"
)

// MissionSummary is the one-screen state of a workspace.
type MissionSummary struct {
	WorkspaceID      string                    `json:"workspace_id"`
	Rollout          rollout.State             `json:"rollout"`
	RBACUsers        int                       `json:"rbac_users"`
	Audit            audit.Verification        `json:"audit"`
	AuditRemote      audit.SinkState           `json:"audit_remote"`
	Billing          billing.State             `json:"billing"`
	Workflow         workflow.Summary          `json:"workflow"`
	Compliance       compliance.Posture        `json:"compliance"`
	Outcomes         outcomes.Summary          `json:"outcomes"`
	ApprovalsPending int                       `json:"approvals_pending"`
	ReceiptsTotal    int                       `json:"receipts_total"`
	Operations       []observability.SLOStatus `json:"operations"`
}

func (ws *Workspace) signals() compliance.Signals {
	return compliance.Signals{
		Profile:        ws.compliance.Profile(),
		PolicyProfile:  ws.compliance.PolicyProfile(),
		ActiveAdmin:    ws.rbac.HasActive(rbac.RoleAdmin),
		ActiveObserver: ws.rbac.HasActive(rbac.RoleObserver),
		Rollout:        ws.rollout.State(),
		Audit:          ws.chain.Verify(),
		AuditRemote:    ws.sink.State(),
		Billing:        ws.billing.State(),
		WorkflowTasks:  ws.board.Len(),
		Outcomes:       ws.outcomes.Len(),
	}
}

func (s *Service) summaryLocked(ws *Workspace) MissionSummary {
	sig := ws.signals()
	return MissionSummary{
		WorkspaceID:      ws.ID,
		Rollout:          sig.Rollout,
		RBACUsers:        len(ws.rbac.List().Users),
		Audit:            sig.Audit,
		AuditRemote:      sig.AuditRemote,
		Billing:          sig.Billing,
		Workflow:         ws.board.Summary(),
		Compliance:       compliance.Evaluate(sig, s.opts.Clock().UTC()),
		Outcomes:         ws.outcomes.Summary(),
		ApprovalsPending: ws.approvals.PendingCount(),
		ReceiptsTotal:    ws.receipts.Len(),
		Operations:       s.opts.Telemetry.SLO().Statuses(),
	}
}

func (s *Service) MissionSummary(ctx context.Context, wsID string) (MissionSummary, error) {
	return read(ctx, s, wsID, "mission_summary", func(ws *Workspace) (MissionSummary, error) {
		return s.summaryLocked(ws), nil
	})
}

// EvidenceOptions controls an evidence export.
type EvidenceOptions struct {
	OutputDir  string   `json:"output_dir,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Upload     bool     `json:"upload"`
}

// ExportEvidence writes the evidence bundle of a workspace. It requires the
// enterprise tier.
func (s *Service) ExportEvidence(ctx context.Context, wsID string, g Governed, opts EvidenceOptions) (*evidence.Result, error) {
	cmd := command{
		name:    "evidence_export",
		action:  "evidence.export",
		feature: billing.FeatureEvidenceExport,
		context: map[string]any{"encrypted": len(opts.Recipients) > 0, "upload": opts.Upload},
	}
	return mutate(ctx, s, wsID, g, cmd, func(ctx context.Context, ws *Workspace) (*evidence.Result, error) {
		summary := s.summaryLocked(ws)
		snap := evidence.Snapshot{
			WorkspaceID:       ws.ID,
			AuditLog:          ws.chain.All(),
			AuditVerification: summary.Audit,
			Rollout:           summary.Rollout,
			RBAC:              ws.rbac.List(),
			Outcomes:          ws.outcomes.All(),
			AuditRemote:       summary.AuditRemote,
			Billing:           summary.Billing,
			Workflow:          ws.board.Snapshot(),
			ComplianceProfile: ws.compliance.Profile(),
			CompliancePosture: summary.Compliance,
			MissionSummary:    summary,
		}
		exp := evidence.NewExporter(s.opts.Artifacts).WithClock(s.opts.Clock)
		return exp.Export(ctx, snap, evidence.Options{
			OutputDir:  opts.OutputDir,
			BaseDir:    filepath.Join(s.opts.DataDir, "evidence", ws.ID),
			Recipients: opts.Recipients,
			Upload:     opts.Upload,
		})
	})
}
