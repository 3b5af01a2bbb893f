package compliance

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
)

// Control identifiers.
const (
	ControlRBACSeparation     = "governance.rbac_separation"
	ControlSignedRollout      = "assurance.signed_rollout"
	ControlLocalHashChain     = "audit.local_hash_chain"
	ControlRemoteAppendOnly   = "audit.remote_append_only"
	ControlEntitlementVerify  = "billing.entitlement_verification"
	ControlWorkflowTracking   = "operations.workflow_tracking"
	ControlOutcomeMeasurement = "operations.outcome_measurement"
	ControlPairingTransport   = "network.pairing_and_transport"
)

// Check is one evaluated control.
type Check struct {
	ControlID      string  `json:"control_id"`
	Label          string  `json:"label"`
	Framework      string  `json:"framework"`
	Required       bool    `json:"required"`
	Satisfied      bool    `json:"satisfied"`
	Evidence       *string `json:"evidence"`
	Recommendation *string `json:"recommendation"`
}

// Posture is the aggregate compliance state of a workspace.
type Posture struct {
	TemplateID      *string   `json:"template_id"`
	Standards       []string  `json:"standards"`
	Compliant       bool      `json:"compliant"`
	GeneratedAt     time.Time `json:"generated_at"`
	Checks          []Check   `json:"checks"`
	MissingControls []string  `json:"missing_controls"`
}

// Signals is the live state the posture is derived from.
type Signals struct {
	Profile        *ProfileState
	PolicyProfile  *PolicyProfile
	ActiveAdmin    bool
	ActiveObserver bool
	Rollout        rollout.State
	Audit          audit.Verification
	AuditRemote    audit.SinkState
	Billing        billing.State
	WorkflowTasks  int
	Outcomes       int
}

// Evaluate derives the posture from signals. It has no side effects.
func Evaluate(s Signals, now time.Time) Posture {
	requires := func(f func(*ProfileState) bool) bool {
		return s.Profile != nil && f(s.Profile)
	}

	lastHash := "none"
	if s.Audit.LastHash != nil {
		lastHash = *s.Audit.LastHash
	}
	endpoint := "none"
	if s.AuditRemote.Endpoint != nil {
		endpoint = *s.AuditRemote.Endpoint
	}
	policyID := "none"
	if s.PolicyProfile != nil {
		policyID = s.PolicyProfile.TemplateID
	}

	checks := []Check{
		newCheck(ControlRBACSeparation, "RBAC role separation", "NIST AI RMF / EU AI Act",
			true,
			s.ActiveAdmin && s.ActiveObserver,
			fmt.Sprintf("active_roles={admin:%t,observer:%t}", s.ActiveAdmin, s.ActiveObserver),
			"Ensure at least one active observer for independent oversight."),
		newCheck(ControlSignedRollout, "Signed release rollout", "NIST CSF / Software supply chain",
			requires(func(p *ProfileState) bool { return p.RequireSignedRelease }),
			s.Rollout.SignatureRequired && len(s.Rollout.TrustedSigners) > 0,
			fmt.Sprintf("signature_required=%t,trusted_signers=%d", s.Rollout.SignatureRequired, len(s.Rollout.TrustedSigners)),
			"Enable signature_required and configure trusted signer public keys."),
		newCheck(ControlLocalHashChain, "Tamper-evident local audit chain", "EU AI Act / NIST AI RMF",
			true,
			s.Audit.Valid,
			fmt.Sprintf("entries=%d,last_hash=%s", s.Audit.Entries, lastHash),
			"Investigate audit chain mismatches before rollout promotion."),
		newCheck(ControlRemoteAppendOnly, "Remote append-only audit sink", "NIST CSF / SOC2",
			requires(func(p *ProfileState) bool { return p.RequireRemoteAudit }),
			s.AuditRemote.Enabled && s.AuditRemote.Endpoint != nil,
			fmt.Sprintf("enabled=%t,endpoint=%s", s.AuditRemote.Enabled, endpoint),
			"Configure SIEM/object-lock endpoint and run audit_remote_sync regularly."),
		newCheck(ControlEntitlementVerify, "Entitlement verification", "Operational governance",
			requires(func(p *ProfileState) bool { return p.RequireBillingVerification }),
			!s.Billing.EnforceVerification || s.Billing.Entitlement.Verified,
			fmt.Sprintf("enforce_verification=%t,verified=%t,status=%s",
				s.Billing.EnforceVerification, s.Billing.Entitlement.Verified, s.Billing.Entitlement.Status),
			"Enable backend receipt verification for enterprise posture."),
		newCheck(ControlWorkflowTracking, "Workflow tracking in mission control", "NIST AI RMF (Manage/Monitor)",
			true,
			s.WorkflowTasks > 0,
			fmt.Sprintf("tasks=%d", s.WorkflowTasks),
			"Track runtime and agent work items in the workflow board."),
		newCheck(ControlOutcomeMeasurement, "Outcome measurement", "NIST AI RMF (Measure)",
			true,
			s.Outcomes > 0,
			fmt.Sprintf("outcomes=%d", s.Outcomes),
			"Record solved/partial/unsolved outcomes to prove value and control."),
		newCheck(ControlPairingTransport, "Pairing and transport restrictions", "EU AI Act / Zero trust",
			requires(func(p *ProfileState) bool { return p.RequirePairing }),
			s.PolicyProfile != nil && s.PolicyProfile.RequirePairing,
			"policy_profile="+policyID,
			"Apply an industry policy profile with strict pairing and transport rules."),
	}

	missing := make([]string, 0)
	for _, c := range checks {
		if c.Required && !c.Satisfied {
			missing = append(missing, c.ControlID)
		}
	}

	p := Posture{
		Standards:       []string{},
		Compliant:       len(missing) == 0,
		GeneratedAt:     now.UTC(),
		Checks:          checks,
		MissingControls: missing,
	}
	if s.Profile != nil {
		id := s.Profile.TemplateID
		p.TemplateID = &id
		p.Standards = append(p.Standards, s.Profile.Standards...)
	}
	return p
}

func newCheck(id, label, framework string, required, satisfied bool, evidence, recommendation string) Check {
	return Check{
		ControlID:      id,
		Label:          label,
		Framework:      framework,
		Required:       required,
		Satisfied:      satisfied,
		Evidence:       &evidence,
		Recommendation: &recommendation,
	}
}
