package api

import (
	"net/http"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/controlplane"
	"github.com/Mindburn-Labs/helm-ops/pkg/outcomes"
	"github.com/Mindburn-Labs/helm-ops/pkg/policy"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
	"github.com/Mindburn-Labs/helm-ops/pkg/receipts"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
	"github.com/Mindburn-Labs/helm-ops/pkg/versioning"
	"github.com/Mindburn-Labs/helm-ops/pkg/workflow"
)

const wsPrefix = "/api/v1/workspaces/{workspace}"

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.route("GET /api/v1/version", http.StatusOK, s.version)
	s.route("GET /api/v1/workspaces", http.StatusOK, s.listWorkspaces)
	s.route("GET /api/v1/compliance/profiles", http.StatusOK, s.complianceProfiles)
	s.route("GET /api/v1/policy/profiles", http.StatusOK, s.policyProfiles)

	s.route("GET "+wsPrefix+"/rbac/users", http.StatusOK, s.rbacUsers)
	s.route("POST "+wsPrefix+"/rbac/users", http.StatusOK, s.upsertRBACUser)
	s.route("POST "+wsPrefix+"/policy/evaluate", http.StatusOK, s.evaluatePolicy)
	s.route("POST "+wsPrefix+"/policy/profile", http.StatusOK, s.applyPolicyProfile)

	s.route("GET "+wsPrefix+"/approvals", http.StatusOK, s.approvals)
	s.route("POST "+wsPrefix+"/approvals/{id}/resolve", http.StatusOK, s.resolveApproval)

	s.route("GET "+wsPrefix+"/receipts", http.StatusOK, s.receipts)
	s.route("POST "+wsPrefix+"/receipts/export", http.StatusOK, s.exportReceipts)
	s.route("PUT "+wsPrefix+"/retention", http.StatusOK, s.setRetention)
	s.route("POST "+wsPrefix+"/retention/purge", http.StatusOK, s.purgeRetention)

	s.route("GET "+wsPrefix+"/audit/log", http.StatusOK, s.auditLog)
	s.route("GET "+wsPrefix+"/audit/verify", http.StatusOK, s.verifyAudit)
	s.route("POST "+wsPrefix+"/audit/export", http.StatusOK, s.exportAudit)
	s.route("GET "+wsPrefix+"/audit/remote", http.StatusOK, s.auditRemote)
	s.route("PUT "+wsPrefix+"/audit/remote", http.StatusOK, s.configureAuditRemote)
	s.route("POST "+wsPrefix+"/audit/remote/sync", http.StatusOK, s.syncAuditRemote)

	s.route("GET "+wsPrefix+"/rollout", http.StatusOK, s.rolloutState)
	s.route("GET "+wsPrefix+"/rollout/history", http.StatusOK, s.releaseHistory)
	s.route("POST "+wsPrefix+"/rollout/stage", http.StatusOK, s.stageRelease)
	s.route("PUT "+wsPrefix+"/rollout/signing-policy", http.StatusOK, s.setSigningPolicy)
	s.route("POST "+wsPrefix+"/rollout/promote", http.StatusOK, s.promote)
	s.route("POST "+wsPrefix+"/rollout/rollback", http.StatusOK, s.rollback)

	s.route("GET "+wsPrefix+"/billing", http.StatusOK, s.billingState)
	s.route("PUT "+wsPrefix+"/billing/config", http.StatusOK, s.configureBilling)
	s.route("POST "+wsPrefix+"/billing/verify", http.StatusOK, s.verifyBilling)

	s.route("GET "+wsPrefix+"/compliance/profile", http.StatusOK, s.complianceProfile)
	s.route("POST "+wsPrefix+"/compliance/profile", http.StatusOK, s.applyComplianceProfile)
	s.route("GET "+wsPrefix+"/compliance/posture", http.StatusOK, s.compliancePosture)

	s.route("GET "+wsPrefix+"/workflow/board", http.StatusOK, s.workflowBoard)
	s.route("POST "+wsPrefix+"/workflow/tasks", http.StatusOK, s.upsertTask)
	s.route("POST "+wsPrefix+"/workflow/tasks/{id}/move", http.StatusOK, s.moveTask)

	s.route("GET "+wsPrefix+"/outcomes", http.StatusOK, s.outcomes)
	s.route("POST "+wsPrefix+"/outcomes", http.StatusCreated, s.recordOutcome)

	s.route("GET "+wsPrefix+"/summary", http.StatusOK, s.missionSummary)
	s.route("POST "+wsPrefix+"/evidence/export", http.StatusCreated, s.exportEvidence)
}

// handleHealth is unauthenticated and never touches workspace state.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) version(_ http.ResponseWriter, _ *http.Request) (any, error) {
	return versioning.Current()
}

func (s *Server) listWorkspaces(_ http.ResponseWriter, r *http.Request) (any, error) {
	ids, err := s.svc.Workspaces(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"workspaces": ids}, nil
}

func (s *Server) complianceProfiles(_ http.ResponseWriter, _ *http.Request) (any, error) {
	return map[string]any{"templates": s.svc.ComplianceProfiles()}, nil
}

func (s *Server) policyProfiles(_ http.ResponseWriter, _ *http.Request) (any, error) {
	return map[string]any{"profiles": s.svc.PolicyProfiles()}, nil
}

// ---- RBAC and policy ----

func (s *Server) rbacUsers(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.RBACUsers(r.Context(), r.PathValue("workspace"))
}

func (s *Server) upsertRBACUser(w http.ResponseWriter, r *http.Request) (any, error) {
	var req rbac.UpsertRequest
	if err := s.validator.Decode(w, r, schemaRBACUpsert, &req); err != nil {
		return nil, err
	}
	return s.svc.UpsertRBACUser(r.Context(), r.PathValue("workspace"), governed(r), req)
}

// evaluatePolicy defaults the actor to the caller so a token cannot ask on
// behalf of someone else.
func (s *Server) evaluatePolicy(w http.ResponseWriter, r *http.Request) (any, error) {
	var req policy.Request
	if err := s.validator.Decode(w, r, schemaPolicyEvaluate, &req); err != nil {
		return nil, err
	}
	if s.AuthEnabled() || req.ActorID == "" {
		actor := ActorFrom(r.Context())
		req.ActorID, req.ActorRole = actor.ID, actor.Role
	}
	return s.svc.EvaluatePolicy(r.Context(), r.PathValue("workspace"), req)
}

func (s *Server) applyPolicyProfile(w http.ResponseWriter, r *http.Request) (any, error) {
	var req struct {
		TemplateID string `json:"template_id"`
	}
	if err := s.validator.Decode(w, r, schemaProfileApply, &req); err != nil {
		return nil, err
	}
	return s.svc.ApplyPolicyProfile(r.Context(), r.PathValue("workspace"), governed(r), req.TemplateID)
}

// ---- Approvals ----

func (s *Server) approvals(_ http.ResponseWriter, r *http.Request) (any, error) {
	pending, err := queryBool(r, "pending_only")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Approvals(r.Context(), r.PathValue("workspace"), pending)
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": list}, nil
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) (any, error) {
	var req struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := s.validator.Decode(w, r, schemaApprovalResolve, &req); err != nil {
		return nil, err
	}
	return s.svc.ResolveApproval(r.Context(), r.PathValue("workspace"), governed(r), r.PathValue("id"), req.Approved, req.Reason)
}

// ---- Receipts and retention ----

func (s *Server) receipts(_ http.ResponseWriter, r *http.Request) (any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Receipts(r.Context(), r.PathValue("workspace"), limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"receipts": list}, nil
}

func (s *Server) exportReceipts(_ http.ResponseWriter, r *http.Request) (any, error) {
	path, err := s.svc.ExportReceipts(r.Context(), r.PathValue("workspace"), governed(r), "")
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": path}, nil
}

func (s *Server) setRetention(w http.ResponseWriter, r *http.Request) (any, error) {
	var req receipts.RetentionPolicy
	if err := s.validator.Decode(w, r, schemaRetentionSet, &req); err != nil {
		return nil, err
	}
	return s.svc.SetRetention(r.Context(), r.PathValue("workspace"), governed(r), req)
}

func (s *Server) purgeRetention(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.PurgeRetention(r.Context(), r.PathValue("workspace"), governed(r))
}

// ---- Audit ----

func (s *Server) auditLog(_ http.ResponseWriter, r *http.Request) (any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	events, err := s.svc.AuditLog(r.Context(), r.PathValue("workspace"), limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (s *Server) verifyAudit(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.VerifyAudit(r.Context(), r.PathValue("workspace"))
}

func (s *Server) exportAudit(_ http.ResponseWriter, r *http.Request) (any, error) {
	path, err := s.svc.ExportAudit(r.Context(), r.PathValue("workspace"), governed(r), "")
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": path}, nil
}

func (s *Server) auditRemote(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.AuditRemote(r.Context(), r.PathValue("workspace"))
}

func (s *Server) configureAuditRemote(w http.ResponseWriter, r *http.Request) (any, error) {
	var req audit.SinkConfig
	if err := s.validator.Decode(w, r, schemaAuditRemoteConfigure, &req); err != nil {
		return nil, err
	}
	return s.svc.ConfigureAuditRemote(r.Context(), r.PathValue("workspace"), governed(r), req)
}

func (s *Server) syncAuditRemote(w http.ResponseWriter, r *http.Request) (any, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := s.validator.Decode(w, r, schemaAuditRemoteSync, &req); err != nil {
		return nil, err
	}
	return s.svc.SyncAuditRemote(r.Context(), r.PathValue("workspace"), governed(r), req.Limit)
}

// ---- Rollout ----

func (s *Server) rolloutState(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.RolloutState(r.Context(), r.PathValue("workspace"))
}

func (s *Server) releaseHistory(_ http.ResponseWriter, r *http.Request) (any, error) {
	records, err := s.svc.ReleaseHistory(r.Context(), r.PathValue("workspace"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": records}, nil
}

func (s *Server) stageRelease(w http.ResponseWriter, r *http.Request) (any, error) {
	var req rollout.StageRequest
	if err := s.validator.Decode(w, r, schemaStageRelease, &req); err != nil {
		return nil, err
	}
	return s.svc.StageRelease(r.Context(), r.PathValue("workspace"), governed(r), req)
}

func (s *Server) setSigningPolicy(w http.ResponseWriter, r *http.Request) (any, error) {
	var req rollout.SigningPolicy
	if err := s.validator.Decode(w, r, schemaSigningPolicy, &req); err != nil {
		return nil, err
	}
	return s.svc.SetSigningPolicy(r.Context(), r.PathValue("workspace"), governed(r), req)
}

func (s *Server) promote(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.Promote(r.Context(), r.PathValue("workspace"), governed(r))
}

func (s *Server) rollback(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.Rollback(r.Context(), r.PathValue("workspace"), governed(r))
}

// ---- Billing ----

func (s *Server) billingState(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.BillingState(r.Context(), r.PathValue("workspace"))
}

func (s *Server) configureBilling(w http.ResponseWriter, r *http.Request) (any, error) {
	var req billing.Config
	if err := s.validator.Decode(w, r, schemaBillingConfigure, &req); err != nil {
		return nil, err
	}
	return s.svc.ConfigureBilling(r.Context(), r.PathValue("workspace"), governed(r), req)
}

func (s *Server) verifyBilling(w http.ResponseWriter, r *http.Request) (any, error) {
	var req billing.VerifyRequest
	if err := s.validator.Decode(w, r, schemaBillingVerify, &req); err != nil {
		return nil, err
	}
	return s.svc.VerifyBillingReceipt(r.Context(), r.PathValue("workspace"), governed(r), req)
}

// ---- Compliance ----

func (s *Server) complianceProfile(_ http.ResponseWriter, r *http.Request) (any, error) {
	p, err := s.svc.ComplianceProfile(r.Context(), r.PathValue("workspace"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"profile": p}, nil
}

func (s *Server) applyComplianceProfile(w http.ResponseWriter, r *http.Request) (any, error) {
	var req struct {
		TemplateID string `json:"template_id"`
	}
	if err := s.validator.Decode(w, r, schemaProfileApply, &req); err != nil {
		return nil, err
	}
	return s.svc.ApplyComplianceProfile(r.Context(), r.PathValue("workspace"), governed(r), req.TemplateID)
}

func (s *Server) compliancePosture(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.CompliancePosture(r.Context(), r.PathValue("workspace"))
}

// ---- Workflow and outcomes ----

func (s *Server) workflowBoard(_ http.ResponseWriter, r *http.Request) (any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	return s.svc.WorkflowBoard(r.Context(), r.PathValue("workspace"), limit)
}

func (s *Server) upsertTask(w http.ResponseWriter, r *http.Request) (any, error) {
	var req workflow.UpsertRequest
	if err := s.validator.Decode(w, r, schemaTaskUpsert, &req); err != nil {
		return nil, err
	}
	return s.svc.UpsertTask(r.Context(), r.PathValue("workspace"), governed(r), req)
}

func (s *Server) moveTask(w http.ResponseWriter, r *http.Request) (any, error) {
	var req struct {
		Status string `json:"status"`
	}
	if err := s.validator.Decode(w, r, schemaTaskMove, &req); err != nil {
		return nil, err
	}
	return s.svc.MoveTask(r.Context(), r.PathValue("workspace"), governed(r), r.PathValue("id"), req.Status)
}

func (s *Server) outcomes(_ http.ResponseWriter, r *http.Request) (any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	list, err := s.svc.Outcomes(r.Context(), r.PathValue("workspace"), limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"outcomes": list}, nil
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) (any, error) {
	var req outcomes.Input
	if err := s.validator.Decode(w, r, schemaOutcomeRecord, &req); err != nil {
		return nil, err
	}
	return s.svc.RecordOutcome(r.Context(), r.PathValue("workspace"), governed(r), req)
}

// ---- Summary and evidence ----

func (s *Server) missionSummary(_ http.ResponseWriter, r *http.Request) (any, error) {
	return s.svc.MissionSummary(r.Context(), r.PathValue("workspace"))
}

// exportEvidence never takes a server path from the caller; bundles land
// under the data directory.
func (s *Server) exportEvidence(w http.ResponseWriter, r *http.Request) (any, error) {
	var req struct {
		Recipients []string `json:"recipients"`
		Upload     bool     `json:"upload"`
	}
	if err := s.validator.Decode(w, r, schemaEvidenceExport, &req); err != nil {
		return nil, err
	}
	return s.svc.ExportEvidence(r.Context(), r.PathValue("workspace"), governed(r), controlplane.EvidenceOptions{
		Recipients: req.Recipients,
		Upload:     req.Upload,
	})
}
