// Package controlplane orchestrates the per-workspace components behind one
// governed command surface. Every mutating command passes the policy gate
// under the workspace write lock, then runs, then persists.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/approval"
	"github.com/Mindburn-Labs/helm-ops/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/compliance"
	"github.com/Mindburn-Labs/helm-ops/pkg/config"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/limiter"
	"github.com/Mindburn-Labs/helm-ops/pkg/observability"
	"github.com/Mindburn-Labs/helm-ops/pkg/outcomes"
	"github.com/Mindburn-Labs/helm-ops/pkg/policy"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
	"github.com/Mindburn-Labs/helm-ops/pkg/receipts"
	"github.com/Mindburn-Labs/helm-ops/pkg/rollout"
	"github.com/Mindburn-Labs/helm-ops/pkg/secrets"
	"github.com/Mindburn-Labs/helm-ops/pkg/store"
	"github.com/Mindburn-Labs/helm-ops/pkg/workflow"
)

const (
	DefaultActorID = "local-user"

	DestinationWorkspace = "workspace"
	DestinationNetwork   = "network"

	remoteTimeout = 15 * time.Second
)

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Actor is the identity issuing a command.
type Actor struct {
	ID   string `json:"actor_id"`
	Role string `json:"actor_role"`
}

func (a Actor) normalized() Actor {
	if a.ID == "" {
		a.ID = DefaultActorID
	}
	if a.Role == "" {
		a.Role = string(rbac.RoleAdmin)
	}
	return a
}

// Governed carries the caller identity and an optional approval to replay.
type Governed struct {
	Actor      Actor  `json:"actor"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// Options configures a Service. Zero values select in-process defaults.
type Options struct {
	Store          store.StateStore
	Secrets        secrets.Resolver
	Limiter        limiter.Store
	Deployment     *config.Deployment
	DefaultTier    billing.Tier
	StrictReplay   bool
	Artifacts      artifacts.Store
	Telemetry      *observability.Provider
	AuditTransport audit.Transport
	BillingBackend billing.Backend
	Catalog        *compliance.Catalog
	// DataDir receives exports that are not given an explicit path.
	DataDir string
	Clock   func() time.Time
}

// Service is the control plane. It is safe for concurrent use.
type Service struct {
	opts    Options
	budget  limiter.Policy
	matcher *policy.Matcher

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// Workspace owns the isolated state of one workspace.
type Workspace struct {
	ID string

	mu          sync.RWMutex
	rbac        *rbac.Registry
	approvals   *approval.Manager
	receipts    *receipts.Ledger
	chain       *audit.Chain
	sink        *audit.Sink
	engine      *policy.Engine
	rollout     *rollout.Manager
	billing     *billing.Verifier
	compliance  *compliance.Manager
	board       *workflow.Board
	outcomes    *outcomes.Log
	persistedAt string // hash of the last audit event written to the store
}

// New creates a service.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewEnvResolver()
	}
	if opts.Limiter == nil {
		opts.Limiter = limiter.NewMemoryStore()
	}
	if opts.Deployment == nil {
		opts.Deployment = config.DefaultDeployment()
	}
	if opts.DefaultTier == "" {
		opts.DefaultTier = billing.DefaultTier
	}
	if opts.Telemetry == nil {
		tel, err := observability.New(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("controlplane: telemetry: %w", err)
		}
		opts.Telemetry = tel
	}
	if opts.AuditTransport == nil {
		opts.AuditTransport = audit.NewHTTPTransport(remoteTimeout)
	}
	if opts.BillingBackend == nil {
		opts.BillingBackend = billing.NewHTTPBackend(remoteTimeout)
	}
	if opts.Catalog == nil {
		catalog, err := compliance.DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("controlplane: compliance catalog: %w", err)
		}
		opts.Catalog = catalog
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Service{
		opts: opts,
		budget: limiter.Policy{
			PerMinute: opts.Deployment.MutationBudget.PerMinute,
			Burst:     opts.Deployment.MutationBudget.Burst,
		},
		workspaces: make(map[string]*Workspace),
	}
	if len(opts.Deployment.SensitiveRules) > 0 {
		m, err := policy.NewMatcher(opts.Deployment.SensitiveRules...)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "invalid sensitive_rules")
		}
		s.matcher = m
	}
	return s, nil
}

// Close releases the state store.
func (s *Service) Close() error {
	return s.opts.Store.Close()
}

// Telemetry returns the provider commands report to.
func (s *Service) Telemetry() *observability.Provider { return s.opts.Telemetry }

// Workspaces lists the workspaces known to the store or opened in memory.
func (s *Service) Workspaces(ctx context.Context) ([]string, error) {
	ids, err := s.opts.Store.Workspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	s.mu.Lock()
	for id := range s.workspaces {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids, nil
}

// workspace returns the open workspace, loading it from the store on first
// use.
func (s *Service) workspace(ctx context.Context, id string) (*Workspace, error) {
	if !workspaceIDPattern.MatchString(id) {
		return nil, fault.Validation("invalid workspace id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[id]; ok {
		return ws, nil
	}
	ws, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	s.workspaces[id] = ws
	return ws, nil
}

func (s *Service) open(ctx context.Context, id string) (*Workspace, error) {
	clock := s.opts.Clock
	tier := s.opts.Deployment.DeclaredTier(id, s.opts.DefaultTier)

	ws := &Workspace{
		ID:         id,
		rbac:       rbac.NewRegistry().WithClock(clock),
		approvals:  approval.NewManager().WithClock(clock),
		receipts:   receipts.NewLedger().WithClock(clock),
		chain:      audit.NewChain().WithClock(clock),
		rollout:    rollout.NewManager().WithClock(clock),
		billing:    billing.NewVerifier(tier, s.opts.BillingBackend, s.opts.Secrets).WithClock(clock),
		compliance: compliance.NewManager(s.opts.Catalog).WithClock(clock),
		board:      workflow.NewBoard(id).WithClock(clock),
		outcomes:   outcomes.NewLog().WithClock(clock),
	}
	ws.sink = audit.NewSink(ws.chain, s.opts.AuditTransport, s.opts.Secrets).WithClock(clock)

	engineOpts := []policy.Option{
		policy.WithSensitiveActions(s.opts.Deployment.SensitiveActions...),
		policy.WithStrictReplay(s.opts.StrictReplay),
	}
	if s.matcher != nil {
		engineOpts = append(engineOpts, policy.WithSensitiveMatcher(s.matcher))
	}
	ws.engine = policy.NewEngine(ws.approvals, ws.receipts, ws.chain, engineOpts...)

	if err := s.load(ctx, ws); err != nil {
		return nil, err
	}
	ws.billing.SetSetupTier(tier)

	tel := s.opts.Telemetry
	ws.chain.AddHandler(func(audit.Event) {
		tel.RecordAuditAppend(context.Background(), id)
	})
	return ws, nil
}

type rolloutDocument struct {
	State   rollout.State           `json:"state"`
	History []rollout.HistoryRecord `json:"history"`
}

func (s *Service) load(ctx context.Context, ws *Workspace) error {
	events, err := s.opts.Store.AuditEvents(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("load audit events for %s: %w", ws.ID, err)
	}
	ws.chain.Restore(events)
	ws.persistedAt = ws.chain.Head()

	snap, err := s.opts.Store.Load(ctx, ws.ID)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		slog.Info("workspace created", "workspace", ws.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load workspace %s: %w", ws.ID, err)
	}

	var (
		users    rbac.Snapshot
		pending  []approval.Request
		ledger   receipts.Snapshot
		sink     audit.SinkState
		release  rolloutDocument
		bill     billing.State
		profile  compliance.Snapshot
		board    workflow.Snapshot
		measured []outcomes.Record
	)
	restore := []struct {
		kind  string
		into  any
		apply func() error
	}{
		{store.KindRBAC, &users, func() error { ws.rbac.Restore(users); return nil }},
		{store.KindApprovals, &pending, func() error { ws.approvals.Restore(pending); return nil }},
		{store.KindReceipts, &ledger, func() error { ws.receipts.Restore(ledger); return nil }},
		{store.KindAuditRemote, &sink, func() error { ws.sink.Restore(sink); return nil }},
		{store.KindRollout, &release, func() error { return ws.rollout.Restore(release.State, release.History) }},
		{store.KindBilling, &bill, func() error { ws.billing.Restore(bill); return nil }},
		{store.KindCompliance, &profile, func() error { ws.compliance.Restore(profile); return nil }},
		{store.KindWorkflow, &board, func() error { ws.board.Restore(board); return nil }},
		{store.KindOutcomes, &measured, func() error { ws.outcomes.Restore(measured); return nil }},
	}
	for _, r := range restore {
		found, err := snap.Get(r.kind, r.into)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, err)
		}
		if !found {
			continue
		}
		if err := r.apply(); err != nil {
			return fmt.Errorf("workspace %s: restore %s: %w", ws.ID, r.kind, err)
		}
	}
	slog.Info("workspace loaded", "workspace", ws.ID, "audit_events", len(events))
	return nil
}

// persist writes new audit events and the component snapshot. Callers hold
// the workspace write lock.
func (s *Service) persist(ctx context.Context, ws *Workspace) error {
	for _, ev := range ws.chain.After(ws.persistedAt, 0) {
		if err := s.opts.Store.AppendAudit(ctx, ws.ID, ev); err != nil {
			return fmt.Errorf("persist audit event %s: %w", ev.ID, err)
		}
		ws.persistedAt = ev.Hash
	}

	snap := store.NewSnapshot()
	docs := []struct {
		kind string
		v    any
	}{
		{store.KindRBAC, ws.rbac.List()},
		{store.KindApprovals, ws.approvals.Snapshot()},
		{store.KindReceipts, ws.receipts.Snapshot()},
		{store.KindAuditRemote, ws.sink.State()},
		{store.KindRollout, rolloutDocument{State: ws.rollout.State(), History: ws.rollout.History().Records()}},
		{store.KindBilling, ws.billing.State()},
		{store.KindCompliance, ws.compliance.Snapshot()},
		{store.KindWorkflow, ws.board.Snapshot()},
		{store.KindOutcomes, ws.outcomes.All()},
	}
	for _, d := range docs {
		if err := snap.Put(d.kind, d.v); err != nil {
			return err
		}
	}
	snap.UpdatedAt = s.opts.Clock().UTC()
	if err := s.opts.Store.Save(ctx, ws.ID, snap); err != nil {
		return fmt.Errorf("persist workspace %s: %w", ws.ID, err)
	}
	return nil
}

// command describes one governed mutation.
type command struct {
	name        string // telemetry operation
	action      string // policy action
	resource    string
	destination string
	feature     string       // entitlement feature, empty when ungated
	minimumTier billing.Tier // overrides the plan minimum of feature
	context     map[string]any
}

// mutate runs fn as one governed unit: tier gate, rate budget, policy gate
// (receipt and audit event), fn, persist. Denied and pending decisions are
// persisted before their error is returned.
func mutate[T any](ctx context.Context, s *Service, wsID string, g Governed, cmd command, fn func(context.Context, *Workspace) (T, error)) (out T, err error) {
	actor := g.Actor.normalized()
	ctx, finish := s.opts.Telemetry.TrackOperation(ctx, cmd.name,
		observability.CommandAttrs(wsID, actor.ID, actor.Role)...)
	defer func() { finish(err) }()

	ws, err := s.workspace(ctx, wsID)
	if err != nil {
		return out, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if cmd.feature != "" {
		minimum := cmd.minimumTier
		if minimum == "" {
			minimum = billing.MinimumTier(cmd.feature)
		}
		if err := ws.billing.EnsureFeature(cmd.feature, minimum); err != nil {
			return out, err
		}
	}
	if err := limiter.Check(ctx, s.opts.Limiter, "actor:"+ws.ID+":"+actor.ID, s.budget); err != nil {
		return out, err
	}

	resource := cmd.resource
	if resource == "" {
		resource = "profile:" + ws.ID
	}
	destination := cmd.destination
	if destination == "" {
		destination = DestinationWorkspace
	}
	d, err := ws.engine.Evaluate(ctx, policy.Request{
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Action:      cmd.action,
		Resource:    resource,
		Destination: destination,
		ApprovalID:  g.ApprovalID,
		Context:     cmd.context,
	})
	if err != nil {
		return out, err
	}
	s.opts.Telemetry.RecordDecision(ctx, ws.ID, string(d.Result()))

	if gateErr := d.Err(); gateErr != nil {
		if perr := s.persist(ctx, ws); perr != nil {
			return out, perr
		}
		slog.Info("command gated", "workspace", ws.ID, "action", cmd.action,
			"actor", actor.ID, "reason", d.Reason, "receipt", d.ReceiptID)
		return out, gateErr
	}

	out, opErr := fn(ctx, ws)
	if perr := s.persist(ctx, ws); perr != nil {
		if opErr != nil {
			return out, errors.Join(opErr, perr)
		}
		return out, perr
	}
	return out, opErr
}

// read runs fn under the workspace read lock.
func read[T any](ctx context.Context, s *Service, wsID, name string, fn func(*Workspace) (T, error)) (out T, err error) {
	ctx, finish := s.opts.Telemetry.TrackOperation(ctx, name, observability.CommandAttrs(wsID, "", "")...)
	defer func() { finish(err) }()

	ws, err := s.workspace(ctx, wsID)
	if err != nil {
		return out, err
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return fn(ws)
}

func (s *Service) exportPath(wsID, kind string) string {
	return filepath.Join(s.opts.DataDir, "exports", wsID,
		fmt.Sprintf("%s-%s.json", kind, s.opts.Clock().UTC().Format("20060102-150405")))
}
