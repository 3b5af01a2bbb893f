package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/approval"
	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
	"github.com/Mindburn-Labs/helm-ops/pkg/receipts"
)

type harness struct {
	engine    *Engine
	approvals *approval.Manager
	ledger    *receipts.Ledger
	chain     *audit.Chain
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		approvals: approval.NewManager(),
		ledger:    receipts.NewLedger(),
		chain:     audit.NewChain(),
	}
	h.engine = NewEngine(h.approvals, h.ledger, h.chain, opts...)
	return h
}

func governedRequest() Request {
	return Request{
		ActorID:     "operator-a",
		ActorRole:   "operator",
		Action:      "integration.enable",
		Resource:    "integration:slack",
		Destination: "api.slack.com",
	}
}

func (h *harness) evaluate(t *testing.T, req Request) Decision {
	t.Helper()
	d, err := h.engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	return d
}

func TestObserverDeniedOutsideAllowlist(t *testing.T) {
	h := newHarness(t)
	d := h.evaluate(t, Request{ActorID: "v", ActorRole: "viewer", Action: "release.promote", Resource: "profile:p1"})

	assert.False(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
	assert.Equal(t, RuleObserverReadOnly, d.Rule)
	assert.Equal(t, ReasonObserverReadOnly, d.Reason)

	err := d.Err()
	assert.True(t, fault.Is(err, fault.KindPolicyDenied))
	fe, _ := fault.As(err)
	assert.Equal(t, d.ReceiptID, fe.Field(fault.FieldReceiptID))
}

func TestObserverAllowedReadOnly(t *testing.T) {
	h := newHarness(t)
	for _, action := range ReadOnlyActions {
		d := h.evaluate(t, Request{ActorID: "v", ActorRole: "observer", Action: action})
		assert.True(t, d.Allowed, action)
	}
}

func TestAdminBypassesApproval(t *testing.T) {
	h := newHarness(t)
	req := governedRequest()
	req.ActorRole = "owner"
	d := h.evaluate(t, req)

	assert.True(t, d.Allowed)
	assert.Equal(t, RuleAdminFullAccess, d.Rule)
	assert.Nil(t, d.ApprovalID)
	assert.Equal(t, 0, h.approvals.PendingCount())
}

func TestGovernedWithoutApprovalCreatesPending(t *testing.T) {
	h := newHarness(t)
	d := h.evaluate(t, governedRequest())

	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, ReasonRequiresApproval, d.Reason)
	require.NotNil(t, d.ApprovalID)
	assert.Equal(t, 1, h.approvals.PendingCount())

	got, err := h.approvals.Get(*d.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, "integration.enable", got.Action)
	assert.Equal(t, "user", got.ActorRole)

	err = d.Err()
	assert.True(t, fault.Is(err, fault.KindApprovalPending))
	fe, _ := fault.As(err)
	assert.Equal(t, *d.ApprovalID, fe.Field(fault.FieldApprovalID))

	rec, ok := h.ledger.Get(d.ReceiptID)
	require.True(t, ok)
	assert.Equal(t, receipts.ResultPendingApproval, rec.Result)
}

func TestApprovedReplayIsAllowed(t *testing.T) {
	h := newHarness(t)
	initial := h.evaluate(t, governedRequest())
	_, err := h.approvals.Resolve(context.Background(), *initial.ApprovalID, approval.Resolver{ID: "root", Role: rbac.RoleAdmin}, true, "approved")
	require.NoError(t, err)

	req := governedRequest()
	req.ApprovalID = *initial.ApprovalID
	replay := h.evaluate(t, req)
	assert.True(t, replay.Allowed)
	assert.False(t, replay.RequiresApproval)
	assert.Equal(t, ReasonApproved, replay.Reason)

	again := h.evaluate(t, req)
	assert.Equal(t, replay.Allowed, again.Allowed, "replays must be deterministic")
	assert.Equal(t, 1, len(h.approvals.List(false)), "replay must not create approvals")
}

func TestReplayOutcomes(t *testing.T) {
	h := newHarness(t)

	pending := h.evaluate(t, governedRequest())
	req := governedRequest()
	req.ApprovalID = *pending.ApprovalID
	d := h.evaluate(t, req)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, ReasonStillPending, d.Reason)

	_, err := h.approvals.Resolve(context.Background(), *pending.ApprovalID, approval.Resolver{Role: rbac.RoleManager}, false, "no")
	require.NoError(t, err)
	d = h.evaluate(t, req)
	assert.False(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
	assert.Equal(t, ReasonRejected, d.Reason)

	req.ApprovalID = "does-not-exist"
	d = h.evaluate(t, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonApprovalNotFound, d.Reason)
	assert.Equal(t, "does-not-exist", *d.ApprovalID)
}

func TestPermissiveReplayIgnoresMismatch(t *testing.T) {
	h := newHarness(t)
	initial := h.evaluate(t, governedRequest())
	_, err := h.approvals.Resolve(context.Background(), *initial.ApprovalID, approval.Resolver{Role: rbac.RoleAdmin}, true, "")
	require.NoError(t, err)

	req := governedRequest()
	req.Resource = "integration:discord"
	req.ApprovalID = *initial.ApprovalID
	assert.True(t, h.evaluate(t, req).Allowed)
}

func TestStrictReplayRejectsMismatch(t *testing.T) {
	h := newHarness(t, WithStrictReplay(true))
	initial := h.evaluate(t, governedRequest())
	_, err := h.approvals.Resolve(context.Background(), *initial.ApprovalID, approval.Resolver{Role: rbac.RoleAdmin}, true, "")
	require.NoError(t, err)

	req := governedRequest()
	req.Resource = "integration:discord"
	req.ApprovalID = *initial.ApprovalID
	d := h.evaluate(t, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonApprovalMismatch, d.Reason)

	req.Resource = "integration:slack"
	assert.True(t, h.evaluate(t, req).Allowed)
}

func TestUngovernedActionAllowedForUser(t *testing.T) {
	h := newHarness(t)
	d := h.evaluate(t, Request{ActorID: "u", ActorRole: "user", Action: "runtime.start"})
	assert.True(t, d.Allowed)
	assert.Equal(t, RuleDefaultAllow, d.Rule)
}

func TestSensitiveActionsOption(t *testing.T) {
	h := newHarness(t, WithSensitiveActions("Release.Promote"))
	d := h.evaluate(t, Request{ActorID: "m", ActorRole: "manager", Action: "release.promote", Resource: "profile:p1"})
	assert.True(t, d.RequiresApproval)
	assert.True(t, h.engine.IsGoverned("release.promote"))
}

func TestSensitiveMatcher(t *testing.T) {
	m, err := NewMatcher(`request.destination == "network" && request.action.startsWith("billing.")`)
	require.NoError(t, err)
	h := newHarness(t, WithSensitiveMatcher(m))

	d := h.evaluate(t, Request{ActorID: "u", ActorRole: "user", Action: "billing.verify", Destination: "network"})
	assert.True(t, d.RequiresApproval)

	d = h.evaluate(t, Request{ActorID: "u", ActorRole: "user", Action: "billing.verify", Destination: "workspace"})
	assert.True(t, d.Allowed)
}

func TestEveryEvaluationWritesOneReceiptAndOneEvent(t *testing.T) {
	h := newHarness(t)
	requests := []Request{
		governedRequest(),
		{ActorID: "v", ActorRole: "observer", Action: "skills.install"},
		{ActorID: "a", ActorRole: "admin", Action: "skills.install"},
		{ActorID: "u", ActorRole: "user", Action: "logs.read"},
	}
	for i, req := range requests {
		d := h.evaluate(t, req)
		assert.Equal(t, i+1, h.ledger.Len())
		assert.Equal(t, i+1, h.chain.Len())

		ev := h.chain.List(1)[0]
		assert.Equal(t, d.ReceiptID, ev.ReceiptID)
		assert.Equal(t, d.AuditEventID, ev.ID)
		assert.Equal(t, string(d.Result()), ev.Result)
	}
	assert.True(t, h.chain.Verify().Valid)
}

func TestInvalidRequestWritesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Evaluate(context.Background(), Request{ActorID: "x", ActorRole: "root", Action: "a"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = h.engine.Evaluate(context.Background(), Request{ActorID: "x", ActorRole: "admin"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, 0, h.chain.Len())
}

func TestNewMatcherRejectsBadExpression(t *testing.T) {
	_, err := NewMatcher(`request.action ==`)
	assert.Error(t, err)
}

func TestMatcherEvalErrorIsFailClosed(t *testing.T) {
	m, err := NewMatcher(`request.context.missing == "x"`)
	require.NoError(t, err)
	ok, err := m.Match(map[string]any{"context": map[string]any{}})
	assert.Error(t, err)
	assert.True(t, ok)
}

type failingChain struct{}

func (failingChain) Append(audit.Record) (audit.Event, error) {
	return audit.Event{}, errors.New("audit sink full")
}

func TestAuditFailureLeavesNoTrace(t *testing.T) {
	approvals := approval.NewManager()
	ledger := receipts.NewLedger()
	e := NewEngine(approvals, ledger, failingChain{})

	_, err := e.Evaluate(context.Background(), governedRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit sink full")
	assert.Equal(t, 0, ledger.Len())
	assert.Equal(t, 0, approvals.PendingCount())
	assert.Empty(t, approvals.List(false))
}

func TestReceiptAndAuditShareID(t *testing.T) {
	h := newHarness(t)
	d := h.evaluate(t, governedRequest())

	events := h.chain.All()
	require.Len(t, events, 1)
	assert.Equal(t, d.ReceiptID, events[0].ReceiptID)
	require.Equal(t, 1, h.ledger.Len())
	assert.Equal(t, d.ReceiptID, h.ledger.List(1)[0].ID)
}

func TestEvaluateCancelledContextWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Evaluate(ctx, governedRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, 0, h.chain.Len())
	assert.Equal(t, 0, h.approvals.PendingCount())
}
