//go:build property

package policy

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-ops/pkg/approval"
	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/receipts"
)

// Invariant: an observer is never allowed an action outside the read-only
// allowlist, and every evaluation adds exactly one receipt and one event.
func TestObserverNeverAllowedProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("observer is read-only", prop.ForAll(
		func(action string) bool {
			ledger := receipts.NewLedger()
			chain := audit.NewChain()
			e := NewEngine(approval.NewManager(), ledger, chain)
			d, err := e.Evaluate(context.Background(), Request{ActorID: "v", ActorRole: "observer", Action: "x." + action})
			if err != nil {
				return false
			}
			return !d.Allowed && ledger.Len() == 1 && chain.Len() == 1
		},
		gen.AlphaString(),
	))

	properties.Property("governed actions without approval always pend", prop.ForAll(
		func(idx int, role string) bool {
			approvals := approval.NewManager()
			e := NewEngine(approvals, receipts.NewLedger(), audit.NewChain())
			action := GovernedActions[idx%len(GovernedActions)]
			d, err := e.Evaluate(context.Background(), Request{ActorID: "u", ActorRole: role, Action: action})
			if err != nil {
				return false
			}
			return d.RequiresApproval && d.ApprovalID != nil && approvals.PendingCount() == 1
		},
		gen.IntRange(0, 1000),
		gen.OneConstOf("user", "manager", "operator"),
	))

	properties.TestingRun(t)
}
