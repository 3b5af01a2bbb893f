package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
)

var testNow = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := DefaultCatalog()
	require.NoError(t, err)
	return c
}

type fixture struct {
	mgr     *Manager
	rollout *rollout.Manager
	billing *billing.Verifier
	sink    *audit.Sink
}

func newFixture(t *testing.T, tier billing.Tier) *fixture {
	t.Helper()
	return &fixture{
		mgr:     NewManager(testCatalog(t)).WithClock(func() time.Time { return testNow }),
		rollout: rollout.NewManager(),
		billing: billing.NewVerifier(tier, nil, nil),
		sink:    audit.NewSink(audit.NewChain(), nil, nil),
	}
}

func (f *fixture) targets() Targets {
	return Targets{Rollout: f.rollout, Billing: f.billing, RemoteAudit: f.sink}
}

func TestDefaultCatalog(t *testing.T) {
	c := testCatalog(t)
	ids := map[string]billing.Tier{}
	for _, tmpl := range c.Templates() {
		ids[tmpl.TemplateID] = tmpl.MinimumTier
	}
	assert.Equal(t, map[string]billing.Tier{
		"general_baseline":   billing.TierProfessional,
		"ai_act_nist_strict": billing.TierEnterprise,
		"finance_fintech":    billing.TierEnterprise,
		"healthcare_pharma":  billing.TierEnterprise,
		"tech_cloud_web3_ai": billing.TierProfessional,
		"government_us_eu":   billing.TierEnterprise,
	}, ids)
	assert.Len(t, c.PolicyProfiles(), 4)

	gov, err := c.Template("government_us_eu")
	require.NoError(t, err)
	assert.Equal(t, "gov_zero_public", *gov.RecommendedPolicyTemplate)

	_, err = c.Template("nope")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	profiles := []byte("policy_profiles:\n  - template_id: general\n    display_name: G\n    allowed_providers: []\n    allowed_transports: [lan]\n    allow_public_bind: false\n    require_pairing: true\n")

	_, err := ParseCatalog([]byte("templates:\n  - template_id: x\n"), profiles)
	assert.Error(t, err, "missing required fields")

	badRef := []byte(`templates:
  - template_id: x
    display_name: X
    industry: general
    standards: []
    recommended_policy_template: missing_profile
    minimum_tier: pro
    require_signed_release: false
    require_remote_audit: false
    require_billing_verification: false
    require_pairing: false
`)
	_, err = ParseCatalog(badRef, profiles)
	assert.Error(t, err)

	good := []byte(`templates:
  - template_id: x
    display_name: X
    industry: general
    standards: []
    minimum_tier: pro
    require_signed_release: false
    require_remote_audit: false
    require_billing_verification: false
    require_pairing: false
`)
	c, err := ParseCatalog(good, profiles)
	require.NoError(t, err)
	tmpl, err := c.Template("x")
	require.NoError(t, err)
	assert.Equal(t, billing.TierProfessional, tmpl.MinimumTier)
}

func TestApplyTierGateHasNoSideEffects(t *testing.T) {
	f := newFixture(t, billing.TierProfessional)

	_, err := f.mgr.Apply("finance_fintech", f.targets())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTierGate))

	assert.Nil(t, f.mgr.Profile())
	assert.Nil(t, f.mgr.PolicyProfile())
	assert.False(t, f.rollout.State().SignatureRequired)
	assert.False(t, f.billing.State().EnforceVerification)
	assert.Nil(t, f.sink.State().LastError)
}

func TestApplyCascade(t *testing.T) {
	f := newFixture(t, billing.TierEnterprise)

	report, err := f.mgr.Apply("finance_fintech", f.targets())
	require.NoError(t, err)

	names := make([]string, 0, len(report.Steps))
	for _, s := range report.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StepPersistProfile, StepApplyPolicyProfile, StepRequireSigned, StepEnforceBilling, StepRequireRemoteAudit}, names)
	assert.Equal(t, StepWarning, report.Steps[2].Status)
	assert.Equal(t, StepWarning, report.Steps[4].Status)

	require.NotNil(t, f.mgr.Profile())
	assert.Equal(t, "finance_fintech", f.mgr.Profile().TemplateID)
	assert.Equal(t, "finance_strict", f.mgr.PolicyProfile().TemplateID)

	rs := f.rollout.State()
	assert.True(t, rs.SignatureRequired)
	require.NotNil(t, rs.LastVerificationError)
	assert.Equal(t, MsgSignedRolloutRequired, *rs.LastVerificationError)

	assert.True(t, f.billing.State().EnforceVerification)
	require.NotNil(t, f.sink.State().LastError)
	assert.Equal(t, MsgRemoteAuditRequired, *f.sink.State().LastError)
}

func TestApplyWithConfiguredTargets(t *testing.T) {
	f := newFixture(t, billing.TierProfessional)
	_, err := f.rollout.SetSigningPolicy(rollout.SigningPolicy{SignatureRequired: false, TrustedSigners: []string{"sig-key-A:pub"}})
	require.NoError(t, err)

	report, err := f.mgr.Apply("general_baseline", f.targets())
	require.NoError(t, err)
	assert.Equal(t, StepApplied, report.Steps[2].Status)
	assert.Equal(t, StepSkipped, report.Steps[3].Status)
	assert.Equal(t, StepSkipped, report.Steps[4].Status)
	assert.Nil(t, f.rollout.State().LastVerificationError)
	assert.True(t, f.rollout.State().SignatureRequired)
}

func TestPostureWithoutProfile(t *testing.T) {
	p := Evaluate(Signals{Audit: audit.Verification{Valid: true}}, testNow)

	assert.Nil(t, p.TemplateID)
	assert.Len(t, p.Checks, 8)
	assert.ElementsMatch(t, []string{ControlRBACSeparation, ControlWorkflowTracking, ControlOutcomeMeasurement}, p.MissingControls)
	assert.False(t, p.Compliant)
}

func TestPostureCompliant(t *testing.T) {
	profile := &ProfileState{TemplateID: "general_baseline", Standards: []string{"EU AI Act"}, RequireSignedRelease: true, RequirePairing: true}
	p := Evaluate(Signals{
		Profile:        profile,
		PolicyProfile:  &PolicyProfile{TemplateID: "general", RequirePairing: true},
		ActiveAdmin:    true,
		ActiveObserver: true,
		Rollout:        rollout.State{SignatureRequired: true, TrustedSigners: []string{"k:v"}},
		Audit:          audit.Verification{Valid: true, Entries: 3},
		WorkflowTasks:  1,
		Outcomes:       1,
	}, testNow)

	assert.True(t, p.Compliant)
	assert.Empty(t, p.MissingControls)
	assert.Equal(t, "general_baseline", *p.TemplateID)
	assert.Equal(t, []string{"EU AI Act"}, p.Standards)
}

func TestPostureProfileRequirements(t *testing.T) {
	profile := &ProfileState{TemplateID: "x", RequireRemoteAudit: true, RequireBillingVerification: true}
	p := Evaluate(Signals{
		Profile:        profile,
		ActiveAdmin:    true,
		ActiveObserver: true,
		Audit:          audit.Verification{Valid: false},
		Billing:        billing.State{EnforceVerification: true},
		WorkflowTasks:  2,
		Outcomes:       2,
	}, testNow)

	assert.ElementsMatch(t, []string{ControlLocalHashChain, ControlRemoteAppendOnly, ControlEntitlementVerify}, p.MissingControls)
}
