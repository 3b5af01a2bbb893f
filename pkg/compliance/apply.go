package compliance

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
)

// Messages surfaced on sibling subsystems when a template tightens them
// before they are configured.
const (
	MsgSignedRolloutRequired = "compliance profile requires signed rollout; configure trusted_signers"
	MsgRemoteAuditRequired   = "compliance profile requires remote audit sink; set endpoint and enable sync"
)

// FeatureApply is the entitlement feature name checked by Apply.
const FeatureApply = "compliance_profile_apply"

// ProfileState is the compliance profile applied to a workspace.
type ProfileState struct {
	TemplateID                 string       `json:"template_id"`
	AppliedAt                  time.Time    `json:"applied_at"`
	Industry                   string       `json:"industry"`
	Standards                  []string     `json:"standards"`
	RecommendedPolicyTemplate  *string      `json:"recommended_policy_template"`
	MinimumTier                billing.Tier `json:"minimum_tier"`
	RequireSignedRelease       bool         `json:"require_signed_release"`
	RequireRemoteAudit         bool         `json:"require_remote_audit"`
	RequireBillingVerification bool         `json:"require_billing_verification"`
	RequirePairing             bool         `json:"require_pairing"`
}

// PolicyProfile is the policy profile applied to a workspace.
type PolicyProfile struct {
	TemplateID        string    `json:"template_id"`
	AppliedAt         time.Time `json:"applied_at"`
	AllowedProviders  []string  `json:"allowed_providers"`
	AllowedTransports []string  `json:"allowed_transports"`
	AllowPublicBind   bool      `json:"allow_public_bind"`
	RequirePairing    bool      `json:"require_pairing"`
}

// Snapshot is the persisted compliance state.
type Snapshot struct {
	Profile       *ProfileState  `json:"profile"`
	PolicyProfile *PolicyProfile `json:"policy_profile"`
}

// RolloutTarget is tightened by templates requiring signed releases.
type RolloutTarget interface {
	RequireSignatures(missingSigners string) rollout.State
}

// BillingTarget gates Apply and is tightened by templates requiring
// verified entitlements.
type BillingTarget interface {
	EnsureFeature(feature string, minimum billing.Tier) error
	RequireVerification() billing.State
}

// RemoteAuditTarget is checked by templates requiring a remote audit sink.
type RemoteAuditTarget interface {
	Configured() bool
	SetError(msg string)
}

// Targets are the sibling subsystems Apply cascades into.
type Targets struct {
	Rollout     RolloutTarget
	Billing     BillingTarget
	RemoteAudit RemoteAuditTarget
}

// StepStatus is the outcome of one apply step.
type StepStatus string

const (
	StepApplied StepStatus = "applied"
	StepSkipped StepStatus = "skipped"
	StepWarning StepStatus = "warning"
	StepFailed  StepStatus = "failed"
)

// Apply step names in execution order.
const (
	StepPersistProfile     = "persist_profile"
	StepApplyPolicyProfile = "apply_policy_profile"
	StepRequireSigned      = "require_signed_release"
	StepEnforceBilling     = "enforce_billing_verification"
	StepRequireRemoteAudit = "require_remote_audit"
)

// Step reports one apply step.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// ApplyReport is the result of Apply.
type ApplyReport struct {
	Profile       ProfileState   `json:"profile"`
	PolicyProfile *PolicyProfile `json:"policy_profile,omitempty"`
	Steps         []Step         `json:"steps"`
}

// Manager owns the applied compliance and policy profiles of one workspace.
type Manager struct {
	mu      sync.RWMutex
	catalog *Catalog
	profile *ProfileState
	policy  *PolicyProfile
	clock   func() time.Time
}

// NewManager creates a manager with nothing applied.
func NewManager(catalog *Catalog) *Manager {
	return &Manager{catalog: catalog, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// Catalog returns the template catalog.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// Profile returns the applied compliance profile, or nil.
func (m *Manager) Profile() *ProfileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile == nil {
		return nil
	}
	p := m.profile.clone()
	return &p
}

// PolicyProfile returns the applied policy profile, or nil.
func (m *Manager) PolicyProfile() *PolicyProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return nil
	}
	p := m.policy.clone()
	return &p
}

// Snapshot returns the persisted form.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{Profile: m.Profile(), PolicyProfile: m.PolicyProfile()}
}

// Restore replaces the applied profiles.
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile, m.policy = nil, nil
	if s.Profile != nil {
		p := s.Profile.clone()
		m.profile = &p
	}
	if s.PolicyProfile != nil {
		p := s.PolicyProfile.clone()
		m.policy = &p
	}
}

// ApplyPolicyProfile applies a policy profile template by id.
func (m *Manager) ApplyPolicyProfile(templateID string) (PolicyProfile, error) {
	tmpl, err := m.catalog.PolicyProfile(templateID)
	if err != nil {
		return PolicyProfile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := PolicyProfile{
		TemplateID:        tmpl.TemplateID,
		AppliedAt:         m.clock().UTC(),
		AllowedProviders:  tmpl.AllowedProviders,
		AllowedTransports: tmpl.AllowedTransports,
		AllowPublicBind:   tmpl.AllowPublicBind,
		RequirePairing:    tmpl.RequirePairing,
	}
	m.policy = &p
	return p.clone(), nil
}

// Apply applies a compliance template and cascades it into the targets as an
// ordered series of steps. The entitlement gate runs first; when it rejects,
// nothing is changed. A failed step stops the cascade and the report names
// every step that already ran.
func (m *Manager) Apply(templateID string, t Targets) (ApplyReport, error) {
	tmpl, err := m.catalog.Template(templateID)
	if err != nil {
		return ApplyReport{}, err
	}
	if err := t.Billing.EnsureFeature(FeatureApply, tmpl.MinimumTier); err != nil {
		return ApplyReport{}, err
	}

	m.mu.RLock()
	now := m.clock().UTC()
	m.mu.RUnlock()

	report := ApplyReport{Profile: ProfileState{
		TemplateID:                 tmpl.TemplateID,
		AppliedAt:                  now,
		Industry:                   tmpl.Industry,
		Standards:                  tmpl.Standards,
		RecommendedPolicyTemplate:  tmpl.RecommendedPolicyTemplate,
		MinimumTier:                tmpl.MinimumTier,
		RequireSignedRelease:       tmpl.RequireSignedRelease,
		RequireRemoteAudit:         tmpl.RequireRemoteAudit,
		RequireBillingVerification: tmpl.RequireBillingVerification,
		RequirePairing:             tmpl.RequirePairing,
	}}
	profile := report.Profile

	steps := []struct {
		name string
		run  func() (StepStatus, string, error)
	}{
		{StepPersistProfile, func() (StepStatus, string, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			p := profile.clone()
			m.profile = &p
			return StepApplied, "", nil
		}},
		{StepApplyPolicyProfile, func() (StepStatus, string, error) {
			if profile.RecommendedPolicyTemplate == nil {
				return StepSkipped, "no recommended policy profile", nil
			}
			p, err := m.ApplyPolicyProfile(*profile.RecommendedPolicyTemplate)
			if err != nil {
				return StepFailed, err.Error(), err
			}
			report.PolicyProfile = &p
			return StepApplied, p.TemplateID, nil
		}},
		{StepRequireSigned, func() (StepStatus, string, error) {
			if !profile.RequireSignedRelease {
				return StepSkipped, "", nil
			}
			st := t.Rollout.RequireSignatures(MsgSignedRolloutRequired)
			if len(st.TrustedSigners) == 0 {
				return StepWarning, MsgSignedRolloutRequired, nil
			}
			return StepApplied, "", nil
		}},
		{StepEnforceBilling, func() (StepStatus, string, error) {
			if !profile.RequireBillingVerification {
				return StepSkipped, "", nil
			}
			t.Billing.RequireVerification()
			return StepApplied, "", nil
		}},
		{StepRequireRemoteAudit, func() (StepStatus, string, error) {
			if !profile.RequireRemoteAudit {
				return StepSkipped, "", nil
			}
			if !t.RemoteAudit.Configured() {
				t.RemoteAudit.SetError(MsgRemoteAuditRequired)
				return StepWarning, MsgRemoteAuditRequired, nil
			}
			return StepApplied, "", nil
		}},
	}

	for _, s := range steps {
		status, detail, err := s.run()
		report.Steps = append(report.Steps, Step{Name: s.name, Status: status, Detail: detail})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (p ProfileState) clone() ProfileState {
	p.Standards = append([]string{}, p.Standards...)
	if p.RecommendedPolicyTemplate != nil {
		v := *p.RecommendedPolicyTemplate
		p.RecommendedPolicyTemplate = &v
	}
	return p
}

func (p PolicyProfile) clone() PolicyProfile {
	p.AllowedProviders = append([]string{}, p.AllowedProviders...)
	p.AllowedTransports = append([]string{}, p.AllowedTransports...)
	return p
}
