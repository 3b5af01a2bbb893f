// Package policy is the decision engine every governed control-plane call
// passes through.
//
// Rules are evaluated in a fixed order and the first match decides:
//
//	observer-read-only   observers may only run read-only actions
//	admin-full-access    admins are trusted and bypass approval
//	governed-approval    users and managers need an approval for sensitive actions
//	default-allow        everything else is allowed
//
// Every evaluation writes exactly one receipt and one audit event.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-ops/pkg/approval"
	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
	"github.com/Mindburn-Labs/helm-ops/pkg/receipts"
)

// Rule identifiers reported on every decision.
const (
	RuleObserverReadOnly = "observer-read-only"
	RuleAdminFullAccess  = "admin-full-access"
	RuleGovernedApproval = "governed-approval"
	RuleDefaultAllow     = "default-allow"
)

// Decision reasons.
const (
	ReasonObserverReadOnly = "observer role is read-only"
	ReasonReadOnlyAllowed  = "read-only action"
	ReasonAdmin            = "admin full access"
	ReasonPolicyAllowed    = "policy allowed"
	ReasonRequiresApproval = "action requires approval"
	ReasonApproved         = "approved action"
	ReasonRejected         = "approval rejected"
	ReasonStillPending     = "approval is still pending"
	ReasonApprovalNotFound = "approval not found"
	ReasonApprovalMismatch = "approval does not match action request"
)

// ReadOnlyActions are the only actions an observer may perform.
var ReadOnlyActions = []string{"logs.read", "receipts.read", "profiles.read"}

// GovernedActions always require approval for users and managers.
var GovernedActions = []string{
	"integration.install",
	"integration.enable",
	"integration.disable",
	"skills.install",
	"skills.enable",
	"skills.disable",
	"skills.remove",
	"mcp.install",
	"mcp.enable",
	"mcp.update_config",
	"mcp.disable",
	"mcp.remove",
}

// Request is a transient policy question.
type Request struct {
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Destination string         `json:"destination"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Decision is returned synchronously and only persisted through its receipt
// and audit event.
type Decision struct {
	Allowed          bool    `json:"allowed"`
	RequiresApproval bool    `json:"requires_approval"`
	Reason           string  `json:"reason"`
	ApprovalID       *string `json:"approval_id"`
	ReceiptID        string  `json:"receipt_id"`
	AuditEventID     string  `json:"audit_event_id"`
	Rule             string  `json:"rule"`
}

// Err converts a non-allowed decision into a typed error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	approvalID := ""
	if d.ApprovalID != nil {
		approvalID = *d.ApprovalID
	}
	if d.RequiresApproval {
		return fault.ApprovalPending(approvalID, d.ReceiptID)
	}
	return fault.PolicyDenied(d.Reason, d.ReceiptID).With(fault.FieldApprovalID, approvalID)
}

// Result maps the decision onto the receipt result.
func (d Decision) Result() receipts.Result {
	return resultFor(d.Allowed, d.RequiresApproval)
}

// ApprovalStore is the subset of the approval workflow the engine uses.
type ApprovalStore interface {
	Create(subject approval.Subject, reqCtx map[string]any) approval.Request
	Get(id string) (approval.Request, error)
	Discard(id string)
}

// ReceiptWriter records decisions.
type ReceiptWriter interface {
	Append(r receipts.Receipt) receipts.Receipt
}

// AuditAppender chains decisions into the audit log.
type AuditAppender interface {
	Append(rec audit.Record) (audit.Event, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSensitiveActions marks additional action names as governed.
func WithSensitiveActions(actions ...string) Option {
	return func(e *Engine) {
		for _, a := range actions {
			if a = normalizeAction(a); a != "" {
				e.governed[a] = struct{}{}
			}
		}
	}
}

// WithSensitiveMatcher governs any action a CEL expression matches.
func WithSensitiveMatcher(m *Matcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// WithStrictReplay requires a replayed approval to cover exactly the
// replayed actor, action, resource and destination.
func WithStrictReplay(strict bool) Option {
	return func(e *Engine) { e.strictReplay = strict }
}

type verdict struct {
	rule             string
	allowed          bool
	requiresApproval bool
	reason           string
	approvalID       string
	createdApproval  bool
}

type rule struct {
	id      string
	matches func(req Request, role rbac.Role) bool
	decide  func(req Request) verdict
}

// Engine evaluates requests. Evaluate is serialized so each receipt and its
// audit event are written as one unit.
type Engine struct {
	mu           sync.Mutex
	approvals    ApprovalStore
	receipts     ReceiptWriter
	chain        AuditAppender
	readOnly     map[string]struct{}
	governed     map[string]struct{}
	matcher      *Matcher
	strictReplay bool
	rules        []rule
}

// NewEngine wires the engine to its ledgers.
func NewEngine(approvals ApprovalStore, ledger ReceiptWriter, chain AuditAppender, opts ...Option) *Engine {
	e := &Engine{
		approvals: approvals,
		receipts:  ledger,
		chain:     chain,
		readOnly:  toSet(ReadOnlyActions),
		governed:  toSet(GovernedActions),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = []rule{
		{
			id:      RuleObserverReadOnly,
			matches: func(_ Request, role rbac.Role) bool { return role == rbac.RoleObserver },
			decide:  e.decideObserver,
		},
		{
			id:      RuleAdminFullAccess,
			matches: func(_ Request, role rbac.Role) bool { return role == rbac.RoleAdmin },
			decide: func(Request) verdict {
				return verdict{rule: RuleAdminFullAccess, allowed: true, reason: ReasonAdmin}
			},
		},
		{
			id: RuleGovernedApproval,
			matches: func(req Request, role rbac.Role) bool {
				return (role == rbac.RoleUser || role == rbac.RoleManager) && e.isSensitive(req)
			},
			decide: e.decideGoverned,
		},
		{
			id:      RuleDefaultAllow,
			matches: func(Request, rbac.Role) bool { return true },
			decide: func(Request) verdict {
				return verdict{rule: RuleDefaultAllow, allowed: true, reason: ReasonPolicyAllowed}
			},
		},
	}
	return e
}

// IsGoverned reports whether action is in the governed set.
func (e *Engine) IsGoverned(action string) bool {
	_, ok := e.governed[normalizeAction(action)]
	return ok
}

// Evaluate decides req and records the receipt and audit event. The audit
// event is chained first so a failed append leaves no receipt behind.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	role, err := rbac.ParseRole(req.ActorRole)
	if err != nil {
		return Decision{}, err
	}
	req.ActorRole = role.String()
	req.Action = normalizeAction(req.Action)
	if req.Action == "" {
		return Decision{}, fault.Validation("action is required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return Decision{}, fault.Validation("actor_id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate %s: %w", req.Action, err)
	}

	var v verdict
	for _, r := range e.rules {
		if r.matches(req, role) {
			v = r.decide(req)
			break
		}
	}

	result := resultFor(v.allowed, v.requiresApproval)
	receiptID := uuid.NewString()
	ev, err := e.chain.Append(audit.Record{
		ActorID:     req.ActorID,
		ActorRole:   req.ActorRole,
		Action:      req.Action,
		Resource:    req.Resource,
		Destination: req.Destination,
		Result:      string(result),
		Reason:      v.reason,
		ReceiptID:   receiptID,
		ApprovalID:  v.approvalID,
	})
	if err != nil {
		if v.createdApproval {
			e.approvals.Discard(v.approvalID)
		}
		return Decision{}, fmt.Errorf("policy: append audit event for receipt %s: %w", receiptID, err)
	}
	rec := e.receipts.Append(receipts.Receipt{
		ID:          receiptID,
		ActorID:     req.ActorID,
		ActorRole:   req.ActorRole,
		Action:      req.Action,
		Resource:    req.Resource,
		Destination: req.Destination,
		Result:      result,
		Reason:      v.reason,
		Context:     req.Context,
	})

	d := Decision{
		Allowed:          v.allowed,
		RequiresApproval: v.requiresApproval,
		Reason:           v.reason,
		ReceiptID:        rec.ID,
		AuditEventID:     ev.ID,
		Rule:             v.rule,
	}
	if v.approvalID != "" {
		id := v.approvalID
		d.ApprovalID = &id
	}
	slog.DebugContext(ctx, "policy decision",
		"actor", req.ActorID, "role", req.ActorRole, "action", req.Action,
		"rule", d.Rule, "result", rec.Result, "receipt", rec.ID)
	return d, nil
}

func (e *Engine) decideObserver(req Request) verdict {
	if _, ok := e.readOnly[req.Action]; ok {
		return verdict{rule: RuleObserverReadOnly, allowed: true, reason: ReasonReadOnlyAllowed}
	}
	return verdict{rule: RuleObserverReadOnly, reason: ReasonObserverReadOnly}
}

func (e *Engine) decideGoverned(req Request) verdict {
	v := verdict{rule: RuleGovernedApproval}
	subject := approval.Subject{
		ActorID:     req.ActorID,
		ActorRole:   req.ActorRole,
		Action:      req.Action,
		Resource:    req.Resource,
		Destination: req.Destination,
	}

	if req.ApprovalID == "" {
		created := e.approvals.Create(subject, req.Context)
		v.requiresApproval = true
		v.reason = ReasonRequiresApproval
		v.approvalID = created.ID
		v.createdApproval = true
		return v
	}

	v.approvalID = req.ApprovalID
	existing, err := e.approvals.Get(req.ApprovalID)
	if err != nil {
		v.reason = ReasonApprovalNotFound
		return v
	}
	if e.strictReplay && !existing.Matches(subject) {
		v.reason = ReasonApprovalMismatch
		return v
	}
	switch existing.Status {
	case approval.StatusApproved:
		v.allowed = true
		v.reason = ReasonApproved
	case approval.StatusRejected:
		v.reason = ReasonRejected
	default:
		v.requiresApproval = true
		v.reason = ReasonStillPending
	}
	return v
}

func (e *Engine) isSensitive(req Request) bool {
	if _, ok := e.governed[req.Action]; ok {
		return true
	}
	if e.matcher.Len() == 0 {
		return false
	}
	ok, err := e.matcher.Match(map[string]any{
		"actor_id":    req.ActorID,
		"actor_role":  req.ActorRole,
		"action":      req.Action,
		"resource":    req.Resource,
		"destination": req.Destination,
		"context":     contextOrEmpty(req.Context),
	})
	if err != nil {
		slog.Warn("sensitive rule evaluation failed; treating action as governed",
			"action", req.Action, "error", err)
	}
	return ok
}

func resultFor(allowed, requiresApproval bool) receipts.Result {
	switch {
	case allowed:
		return receipts.ResultAllowed
	case requiresApproval:
		return receipts.ResultPendingApproval
	default:
		return receipts.ResultDenied
	}
}

func normalizeAction(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[normalizeAction(it)] = struct{}{}
	}
	return out
}

func contextOrEmpty(c map[string]any) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c
}
