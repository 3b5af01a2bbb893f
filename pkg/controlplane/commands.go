package controlplane

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/helm-ops/pkg/approval"
	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/compliance"
	"github.com/Mindburn-Labs/helm-ops/pkg/observability"
	"github.com/Mindburn-Labs/helm-ops/pkg/outcomes"
	"github.com/Mindburn-Labs/helm-ops/pkg/policy"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
	"github.com/Mindburn-Labs/helm-ops/pkg/receipts"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
	"github.com/Mindburn-Labs/helm-ops/pkg/workflow"
)

// ---- RBAC ----

func (s *Service) RBACUsers(ctx context.Context, wsID string) (rbac.Snapshot, error) {
	return read(ctx, s, wsID, "rbac_users_list", func(ws *Workspace) (rbac.Snapshot, error) {
		return ws.rbac.List(), nil
	})
}

func (s *Service) UpsertRBACUser(ctx context.Context, wsID string, g Governed, req rbac.UpsertRequest) (rbac.Snapshot, error) {
	cmd := command{
		name:    "rbac_users_upsert",
		action:  "rbac.manage",
		feature: billing.FeatureRBACManage,
		context: map[string]any{"user_id": req.UserID, "role": req.Role, "active": req.Active},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (rbac.Snapshot, error) {
		return ws.rbac.Upsert(req)
	})
}

// ---- Policy ----

// EvaluatePolicy answers a policy question directly. The decision is returned
// as data, not as an error, and is persisted through its receipt and audit
// event.
func (s *Service) EvaluatePolicy(ctx context.Context, wsID string, req policy.Request) (d policy.Decision, err error) {
	actor := Actor{ID: req.ActorID, Role: req.ActorRole}.normalized()
	req.ActorID, req.ActorRole = actor.ID, actor.Role
	ctx, finish := s.opts.Telemetry.TrackOperation(ctx, "policy_evaluate",
		observability.CommandAttrs(wsID, actor.ID, actor.Role)...)
	defer func() { finish(err) }()

	ws, err := s.workspace(ctx, wsID)
	if err != nil {
		return policy.Decision{}, err
	}
	if req.Resource == "" {
		req.Resource = "profile:" + ws.ID
	}
	if req.Destination == "" {
		req.Destination = DestinationWorkspace
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	d, err = ws.engine.Evaluate(ctx, req)
	if err != nil {
		return policy.Decision{}, err
	}
	s.opts.Telemetry.RecordDecision(ctx, ws.ID, string(d.Result()))
	return d, s.persist(ctx, ws)
}

// ---- Approvals ----

func (s *Service) Approvals(ctx context.Context, wsID string, pendingOnly bool) ([]approval.Request, error) {
	return read(ctx, s, wsID, "approvals_list", func(ws *Workspace) ([]approval.Request, error) {
		return ws.approvals.List(pendingOnly), nil
	})
}

func (s *Service) ResolveApproval(ctx context.Context, wsID string, g Governed, id string, approved bool, reason string) (approval.Request, error) {
	actor := g.Actor.normalized()
	role, err := rbac.ParseRole(actor.Role)
	if err != nil {
		return approval.Request{}, err
	}
	cmd := command{
		name:     "approvals_resolve",
		action:   "approvals.resolve",
		resource: "approval:" + id,
		context:  map[string]any{"approved": approved},
	}
	return mutate(ctx, s, wsID, g, cmd, func(ctx context.Context, ws *Workspace) (approval.Request, error) {
		return ws.approvals.Resolve(ctx, id, approval.Resolver{ID: actor.ID, Role: role}, approved, reason)
	})
}

// ---- Receipts and retention ----

func (s *Service) Receipts(ctx context.Context, wsID string, limit int) ([]receipts.Receipt, error) {
	return read(ctx, s, wsID, "receipts_list", func(ws *Workspace) ([]receipts.Receipt, error) {
		return ws.receipts.List(limit), nil
	})
}

// ExportReceipts writes the ledger to path, or under DataDir when empty.
func (s *Service) ExportReceipts(ctx context.Context, wsID string, g Governed, path string) (string, error) {
	cmd := command{name: "receipts_export", action: "receipts.export", feature: billing.FeatureReceiptsExport}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (string, error) {
		if path == "" {
			path = s.exportPath(ws.ID, "receipts")
		}
		return ws.receipts.Export(path)
	})
}

func (s *Service) SetRetention(ctx context.Context, wsID string, g Governed, p receipts.RetentionPolicy) (receipts.RetentionPolicy, error) {
	cmd := command{
		name:    "retention_set",
		action:  "retention.set",
		feature: billing.FeatureRetentionManagement,
		context: map[string]any{"receipts_days": p.ReceiptsDays, "approvals_days": p.ApprovalsDays},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (receipts.RetentionPolicy, error) {
		return ws.receipts.SetRetention(p), nil
	})
}

// PurgeResult reports a retention purge.
type PurgeResult struct {
	RemovedReceipts  int                      `json:"removed_receipts"`
	RemovedApprovals int                      `json:"removed_approvals"`
	Retention        receipts.RetentionPolicy `json:"retention"`
}

func (s *Service) PurgeRetention(ctx context.Context, wsID string, g Governed) (PurgeResult, error) {
	cmd := command{name: "retention_purge", action: "retention.purge", feature: billing.FeatureRetentionManagement}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (PurgeResult, error) {
		now := s.opts.Clock().UTC()
		window := ws.receipts.Retention()
		return PurgeResult{
			RemovedReceipts:  ws.receipts.PurgeBefore(window.ReceiptsCutoff(now)),
			RemovedApprovals: ws.approvals.PurgeBefore(window.ApprovalsCutoff(now)),
			Retention:        window,
		}, nil
	})
}

// ---- Audit ----

func (s *Service) AuditLog(ctx context.Context, wsID string, limit int) ([]audit.Event, error) {
	return read(ctx, s, wsID, "audit_log_list", func(ws *Workspace) ([]audit.Event, error) {
		return ws.chain.List(limit), nil
	})
}

func (s *Service) VerifyAudit(ctx context.Context, wsID string) (audit.Verification, error) {
	return read(ctx, s, wsID, "audit_log_verify", func(ws *Workspace) (audit.Verification, error) {
		return ws.chain.Verify(), nil
	})
}

func (s *Service) ExportAudit(ctx context.Context, wsID string, g Governed, path string) (string, error) {
	cmd := command{name: "audit_log_export", action: "audit.export", feature: billing.FeatureAuditExport}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (string, error) {
		if path == "" {
			path = s.exportPath(ws.ID, "audit")
		}
		return ws.chain.Export(path)
	})
}

func (s *Service) AuditRemote(ctx context.Context, wsID string) (audit.SinkState, error) {
	return read(ctx, s, wsID, "audit_remote_get", func(ws *Workspace) (audit.SinkState, error) {
		return ws.sink.State(), nil
	})
}

func (s *Service) ConfigureAuditRemote(ctx context.Context, wsID string, g Governed, cfg audit.SinkConfig) (audit.SinkState, error) {
	cmd := command{
		name:        "audit_remote_configure",
		action:      "audit.remote.configure",
		destination: DestinationNetwork,
		feature:     billing.FeatureAuditRemoteConfig,
		context:     map[string]any{"enabled": cfg.Enabled, "endpoint": cfg.Endpoint, "sink_kind": cfg.SinkKind},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (audit.SinkState, error) {
		return ws.sink.Configure(cfg)
	})
}

// SyncAuditRemote mirrors up to limit unsynced events. The gate's own audit
// event is part of the batch.
func (s *Service) SyncAuditRemote(ctx context.Context, wsID string, g Governed, limit int) (audit.SyncResult, error) {
	cmd := command{
		name:        "audit_remote_sync",
		action:      "audit.remote.sync",
		destination: DestinationNetwork,
		feature:     billing.FeatureAuditRemoteSync,
	}
	return mutate(ctx, s, wsID, g, cmd, func(ctx context.Context, ws *Workspace) (audit.SyncResult, error) {
		ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		res, err := ws.sink.Sync(ctx, ws.ID, limit)
		if err != nil {
			return res, err
		}
		s.opts.Telemetry.RecordRemoteSent(ctx, ws.ID, res.EventsSent)
		return res, nil
	})
}

// ---- Rollout ----

func (s *Service) RolloutState(ctx context.Context, wsID string) (rollout.State, error) {
	return read(ctx, s, wsID, "rollout_state_get", func(ws *Workspace) (rollout.State, error) {
		return ws.rollout.State(), nil
	})
}

func (s *Service) ReleaseHistory(ctx context.Context, wsID string) ([]rollout.HistoryRecord, error) {
	return read(ctx, s, wsID, "rollout_history", func(ws *Workspace) ([]rollout.HistoryRecord, error) {
		return ws.rollout.History().Records(), nil
	})
}

func (s *Service) StageRelease(ctx context.Context, wsID string, g Governed, req rollout.StageRequest) (rollout.State, error) {
	cmd := command{
		name:    "rollout_stage_release",
		action:  "release.stage",
		feature: billing.FeatureRolloutStage,
		context: map[string]any{"release_id": req.ReleaseID, "version": req.Version},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (rollout.State, error) {
		return ws.rollout.Stage(req)
	})
}

func (s *Service) SetSigningPolicy(ctx context.Context, wsID string, g Governed, p rollout.SigningPolicy) (rollout.State, error) {
	cmd := command{
		name:    "rollout_set_signing_policy",
		action:  "release.signing_policy",
		feature: billing.FeatureRolloutSigning,
		context: map[string]any{"signature_required": p.SignatureRequired, "trusted_signers": len(p.TrustedSigners)},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (rollout.State, error) {
		return ws.rollout.SetSigningPolicy(p)
	})
}

func (s *Service) Promote(ctx context.Context, wsID string, g Governed) (rollout.State, error) {
	cmd := command{name: "rollout_promote", action: "release.promote", feature: billing.FeatureRolloutPromote}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (rollout.State, error) {
		return ws.rollout.Promote()
	})
}

func (s *Service) Rollback(ctx context.Context, wsID string, g Governed) (rollout.State, error) {
	cmd := command{name: "rollout_rollback", action: "release.rollback", feature: billing.FeatureRolloutRollback}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (rollout.State, error) {
		return ws.rollout.Rollback()
	})
}

// ---- Billing ----

func (s *Service) BillingState(ctx context.Context, wsID string) (billing.State, error) {
	return read(ctx, s, wsID, "billing_state_get", func(ws *Workspace) (billing.State, error) {
		return ws.billing.State(), nil
	})
}

func (s *Service) ConfigureBilling(ctx context.Context, wsID string, g Governed, c billing.Config) (billing.State, error) {
	cmd := command{
		name:        "billing_config_set",
		action:      "billing.configure",
		destination: DestinationNetwork,
		context:     map[string]any{"backend_url": c.BackendURL, "enforce_verification": c.EnforceVerification},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (billing.State, error) {
		return ws.billing.Configure(c)
	})
}

func (s *Service) VerifyBillingReceipt(ctx context.Context, wsID string, g Governed, req billing.VerifyRequest) (billing.State, error) {
	cmd := command{
		name:        "billing_verify_receipt",
		action:      "billing.verify_receipt",
		destination: DestinationNetwork,
		context:     map[string]any{"platform": req.Platform},
	}
	return mutate(ctx, s, wsID, g, cmd, func(ctx context.Context, ws *Workspace) (billing.State, error) {
		ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		return ws.billing.Verify(ctx, ws.ID, req)
	})
}

// ---- Compliance ----

// ComplianceProfiles lists the compliance templates.
func (s *Service) ComplianceProfiles() []compliance.Template {
	return s.opts.Catalog.Templates()
}

// ComplianceProfile returns the applied profile, or nil.
func (s *Service) ComplianceProfile(ctx context.Context, wsID string) (*compliance.ProfileState, error) {
	return read(ctx, s, wsID, "compliance_profiles_get", func(ws *Workspace) (*compliance.ProfileState, error) {
		return ws.compliance.Profile(), nil
	})
}

// ApplyComplianceProfile applies a template. The entitlement check runs
// before the policy gate so a tier rejection leaves no trace.
func (s *Service) ApplyComplianceProfile(ctx context.Context, wsID string, g Governed, templateID string) (compliance.ApplyReport, error) {
	tmpl, err := s.opts.Catalog.Template(strings.TrimSpace(templateID))
	if err != nil {
		return compliance.ApplyReport{}, err
	}
	cmd := command{
		name:        "compliance_profiles_apply",
		action:      "compliance.apply",
		feature:     compliance.FeatureApply,
		minimumTier: tmpl.MinimumTier,
		context:     map[string]any{"template_id": tmpl.TemplateID},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (compliance.ApplyReport, error) {
		return ws.compliance.Apply(tmpl.TemplateID, compliance.Targets{
			Rollout:     ws.rollout,
			Billing:     ws.billing,
			RemoteAudit: ws.sink,
		})
	})
}

func (s *Service) CompliancePosture(ctx context.Context, wsID string) (compliance.Posture, error) {
	return read(ctx, s, wsID, "compliance_posture_get", func(ws *Workspace) (compliance.Posture, error) {
		return compliance.Evaluate(ws.signals(), s.opts.Clock().UTC()), nil
	})
}

// PolicyProfiles lists the policy profile presets.
func (s *Service) PolicyProfiles() []compliance.PolicyProfileTemplate {
	return s.opts.Catalog.PolicyProfiles()
}

func (s *Service) ApplyPolicyProfile(ctx context.Context, wsID string, g Governed, templateID string) (compliance.PolicyProfile, error) {
	cmd := command{
		name:    "policy_profiles_apply",
		action:  "policy.apply",
		feature: billing.FeaturePolicyProfileApply,
		context: map[string]any{"template_id": templateID},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (compliance.PolicyProfile, error) {
		return ws.compliance.ApplyPolicyProfile(strings.TrimSpace(templateID))
	})
}

// ---- Workflow ----

func (s *Service) WorkflowBoard(ctx context.Context, wsID string, limit int) (workflow.View, error) {
	return read(ctx, s, wsID, "workflow_board_get", func(ws *Workspace) (workflow.View, error) {
		return ws.board.View(limit), nil
	})
}

func (s *Service) UpsertTask(ctx context.Context, wsID string, g Governed, req workflow.UpsertRequest) (workflow.Task, error) {
	resource := "task:new"
	if req.ID != "" {
		resource = "task:" + req.ID
	}
	cmd := command{
		name:     "workflow_task_upsert",
		action:   "workflow.task_upsert",
		resource: resource,
		context:  map[string]any{"title": req.Title, "status": string(req.Status)},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (workflow.Task, error) {
		return ws.board.Upsert(req)
	})
}

func (s *Service) MoveTask(ctx context.Context, wsID string, g Governed, id, status string) (workflow.Task, error) {
	next, err := workflow.ParseStatus(status)
	if err != nil {
		return workflow.Task{}, err
	}
	cmd := command{
		name:     "workflow_task_move",
		action:   "workflow.task_move",
		resource: "task:" + id,
		context:  map[string]any{"status": string(next)},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (workflow.Task, error) {
		return ws.board.Move(id, next)
	})
}

// ---- Outcomes ----

func (s *Service) RecordOutcome(ctx context.Context, wsID string, g Governed, in outcomes.Input) (outcomes.Record, error) {
	cmd := command{
		name:    "outcomes_record",
		action:  "outcomes.record",
		context: map[string]any{"title": in.Title, "status": string(in.Status)},
	}
	return mutate(ctx, s, wsID, g, cmd, func(_ context.Context, ws *Workspace) (outcomes.Record, error) {
		return ws.outcomes.Record(in)
	})
}

func (s *Service) Outcomes(ctx context.Context, wsID string, limit int) ([]outcomes.Record, error) {
	return read(ctx, s, wsID, "outcomes_list", func(ws *Workspace) ([]outcomes.Record, error) {
		return ws.outcomes.List(limit), nil
	})
}
