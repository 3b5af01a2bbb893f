// Package billing tracks the subscription tier of a workspace and binds it to
// receipts verified by a billing backend.
package billing

import (
	"encoding/json"
	"strings"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Tier identifies a subscription tier.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// DefaultTier is the declared tier of a workspace with no setup.
const DefaultTier = TierProfessional

var tierAliases = map[string]Tier{
	"basic":        TierBasic,
	"starter":      TierBasic,
	"professional": TierProfessional,
	"pro":          TierProfessional,
	"enterprise":   TierEnterprise,
}

// ParseTier normalizes a tier name, accepting the starter and pro aliases.
func ParseTier(raw string) (Tier, error) {
	t, ok := tierAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fault.Validation("unknown subscription tier %q", raw)
	}
	return t, nil
}

// Rank orders tiers; unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierBasic:
		return 1
	case TierProfessional:
		return 2
	case TierEnterprise:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether t ranks at or above min.
func (t Tier) AtLeast(min Tier) bool { return t.Rank() >= min.Rank() }

// UnmarshalJSON accepts aliases.
func (t *Tier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Feature names gated by tier.
const (
	FeatureRBACManage          = "rbac_users_upsert"
	FeaturePolicyProfileApply  = "policy_profile_apply"
	FeatureRolloutStage        = "rollout_stage_release"
	FeatureRolloutSigning      = "rollout_set_signing_policy"
	FeatureRolloutPromote      = "rollout_promote"
	FeatureRolloutRollback     = "rollout_rollback"
	FeatureAuditExport         = "audit_log_export"
	FeatureAuditRemoteConfig   = "audit_remote_configure"
	FeatureAuditRemoteSync     = "audit_remote_sync"
	FeatureEvidenceExport      = "evidence_export"
	FeatureReceiptsExport      = "receipts_export"
	FeatureRetentionManagement = "retention_set"
)

// Plan describes what a tier unlocks.
type Plan struct {
	ID          Tier     `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
}

// All available plans
var (
	Basic = Plan{
		ID:          TierBasic,
		Name:        "Basic",
		Description: "Local governance with approvals and a verified audit chain",
		Features:    []string{},
	}

	Professional = Plan{
		ID:          TierProfessional,
		Name:        "Professional",
		Description: "Team operations with signed rollouts and managed RBAC",
		Features: []string{
			FeatureRBACManage,
			FeaturePolicyProfileApply,
			FeatureRolloutStage,
			FeatureRolloutSigning,
			FeatureRolloutPromote,
			FeatureRolloutRollback,
			FeatureAuditExport,
			FeatureReceiptsExport,
			FeatureRetentionManagement,
		},
	}

	Enterprise = Plan{
		ID:          TierEnterprise,
		Name:        "Enterprise",
		Description: "Regulated workloads with remote audit and evidence bundles",
		Features: []string{
			"all",
			FeatureAuditRemoteConfig,
			FeatureAuditRemoteSync,
			FeatureEvidenceExport,
		},
	}

	// Plans contains every plan keyed by tier.
	Plans = map[Tier]Plan{
		TierBasic:        Basic,
		TierProfessional: Professional,
		TierEnterprise:   Enterprise,
	}
)

// GetPlan returns the plan of a tier, or nil if not found.
func GetPlan(t Tier) *Plan {
	p, ok := Plans[t]
	if !ok {
		return nil
	}
	return &p
}

// HasFeature checks if a plan unlocks a feature.
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// MinimumTier returns the lowest tier whose plan unlocks feature. Features
// no plan lists are available on every tier.
func MinimumTier(feature string) Tier {
	for _, t := range []Tier{TierBasic, TierProfessional, TierEnterprise} {
		p := Plans[t]
		for _, f := range p.Features {
			if f == feature {
				return t
			}
		}
	}
	return TierBasic
}
