// Package approval tracks human approval requests raised by the policy engine.
//
// An approval moves from pending to approved or rejected exactly once; both
// outcomes are terminal. Callers replay the original action with the
// approval id once it has been resolved.
package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-ops/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/rbac"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is an approval request and its resolution.
type Request struct {
	ID          string         `json:"id"`
	Sequence    uint64         `json:"sequence"`
	CreatedAt   time.Time      `json:"created_at"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Destination string         `json:"destination"`
	Status      Status         `json:"status"`
	DecidedBy   *string        `json:"decided_by"`
	DecidedAt   *time.Time     `json:"decided_at"`
	Reason      *string        `json:"reason"`
	Context     map[string]any `json:"context,omitempty"`
	RequestHash string         `json:"request_hash"`
}

// Subject identifies the action an approval covers.
type Subject struct {
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role"`
	Action      string `json:"action"`
	Resource    string `json:"resource"`
	Destination string `json:"destination"`
}

// Hash returns the canonical digest of the subject.
func (s Subject) Hash() string {
	h, err := canonicalize.CanonicalHash(s)
	if err != nil {
		// A struct of strings always marshals.
		panic(err)
	}
	return h
}

// Subject returns the action the request covers.
func (r Request) Subject() Subject {
	return Subject{
		ActorID:     r.ActorID,
		ActorRole:   r.ActorRole,
		Action:      r.Action,
		Resource:    r.Resource,
		Destination: r.Destination,
	}
}

// Matches reports whether s is exactly the action this request covers.
func (r Request) Matches(s Subject) bool {
	return r.RequestHash == s.Hash()
}

// Resolver is the identity resolving an approval.
type Resolver struct {
	ID   string
	Role rbac.Role
}

// Manager handles the lifecycle of approval requests.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	seq      uint64
	clock    func() time.Time
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// Create records a new pending request for subject.
func (m *Manager) Create(subject Subject, reqCtx map[string]any) Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	r := &Request{
		ID:          uuid.NewString(),
		Sequence:    m.seq,
		CreatedAt:   m.clock().UTC(),
		ActorID:     subject.ActorID,
		ActorRole:   subject.ActorRole,
		Action:      subject.Action,
		Resource:    subject.Resource,
		Destination: subject.Destination,
		Status:      StatusPending,
		Context:     reqCtx,
		RequestHash: subject.Hash(),
	}
	m.requests[r.ID] = r
	return *r
}

// Get returns a request by id.
func (m *Manager) Get(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return Request{}, fault.NotFound("approval", id)
	}
	return *r, nil
}

// Discard drops a request that is still pending. Resolved requests are kept.
func (m *Manager) Discard(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.requests[id]; ok && r.Status == StatusPending {
		delete(m.requests, id)
	}
}

// Resolve approves or rejects a pending request. Only admin and manager
// roles may resolve; resolved requests are terminal.
func (m *Manager) Resolve(ctx context.Context, id string, by Resolver, approved bool, reason string) (Request, error) {
	if !by.Role.CanResolveApprovals() {
		return Request{}, fault.New(fault.KindPolicyDenied, "only admin/manager can resolve approvals (role=%s)", by.Role).
			With(fault.FieldApprovalID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Request{}, fmt.Errorf("approval: resolve %s: %w", id, err)
	}
	r, ok := m.requests[id]
	if !ok {
		return Request{}, fault.NotFound("approval", id)
	}
	if r.Status != StatusPending {
		return Request{}, fault.Validation("approval %q is not pending (status=%s)", id, r.Status).
			With(fault.FieldApprovalID, id)
	}

	r.Status = StatusRejected
	if approved {
		r.Status = StatusApproved
	}
	decidedBy := strings.TrimSpace(by.ID)
	if decidedBy == "" {
		decidedBy = by.Role.String()
	}
	now := m.clock().UTC()
	r.DecidedBy = &decidedBy
	r.DecidedAt = &now
	if reason = strings.TrimSpace(reason); reason != "" {
		r.Reason = &reason
	}
	return *r, nil
}

// List returns requests in creation order, optionally only pending ones.
func (m *Manager) List(pendingOnly bool) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		if pendingOnly && r.Status != StatusPending {
			continue
		}
		out = append(out, *r)
	}
	sortByCreation(out)
	return out
}

// PendingCount returns the number of pending approvals.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.requests {
		if r.Status == StatusPending {
			count++
		}
	}
	return count
}

// PurgeBefore drops requests created before cutoff and returns how many were removed.
func (m *Manager) PurgeBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, r := range m.requests {
		if r.CreatedAt.Before(cutoff) {
			delete(m.requests, id)
			removed++
		}
	}
	return removed
}

// Snapshot returns every request in creation order.
func (m *Manager) Snapshot() []Request {
	return m.List(false)
}

// Restore replaces the manager contents. Requests saved without a sequence
// are renumbered in creation order.
func (m *Manager) Restore(requests []Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]Request, len(requests))
	copy(ordered, requests)
	renumber := false
	for _, r := range ordered {
		if r.Sequence == 0 {
			renumber = true
			break
		}
	}
	if renumber {
		for i := range ordered {
			ordered[i].Sequence = 0
		}
	}
	sortByCreation(ordered)

	m.requests = make(map[string]*Request, len(ordered))
	m.seq = 0
	for i := range ordered {
		r := ordered[i]
		if renumber {
			r.Sequence = uint64(i + 1)
		}
		if r.RequestHash == "" {
			r.RequestHash = r.Subject().Hash()
		}
		if r.Sequence > m.seq {
			m.seq = r.Sequence
		}
		m.requests[r.ID] = &r
	}
}

// sortByCreation orders by sequence, falling back to timestamp then id for
// requests without one.
func sortByCreation(in []Request) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.Sequence != 0 && b.Sequence != 0 {
			return a.Sequence < b.Sequence
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
