// Package store persists workspace state snapshots and the append-only
// audit event log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/audit"
)

var (
	ErrSnapshotNotFound = errors.New("workspace snapshot not found")
	ErrSequenceConflict = errors.New("audit event sequence already stored")
)

// Document kinds stored in a snapshot.
const (
	KindRBAC        = "rbac"
	KindApprovals   = "approvals"
	KindReceipts    = "receipts"
	KindAuditRemote = "audit_remote"
	KindRollout     = "rollout"
	KindBilling     = "billing"
	KindCompliance  = "compliance"
	KindWorkflow    = "workflow"
	KindOutcomes    = "outcomes"
)

// Snapshot holds one JSON document per component of a workspace.
type Snapshot struct {
	Documents map[string]json.RawMessage `json:"documents"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Documents: make(map[string]json.RawMessage)}
}

// Put encodes v under kind.
func (s *Snapshot) Put(kind string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if s.Documents == nil {
		s.Documents = make(map[string]json.RawMessage)
	}
	s.Documents[kind] = raw
	return nil
}

// Get decodes the document of kind into v. It reports false when absent.
func (s *Snapshot) Get(kind string, v any) (bool, error) {
	raw, ok := s.Documents[kind]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", kind, err)
	}
	return true, nil
}

// StateStore persists workspace snapshots and audit events.
type StateStore interface {
	Load(ctx context.Context, workspaceID string) (*Snapshot, error)
	Save(ctx context.Context, workspaceID string, snap *Snapshot) error
	AppendAudit(ctx context.Context, workspaceID string, ev audit.Event) error
	AuditEvents(ctx context.Context, workspaceID string) ([]audit.Event, error)
	Workspaces(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore is an in-process StateStore.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	events    map[string][]audit.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		events:    make(map[string][]audit.Event),
	}
}

func (m *MemoryStore) Load(_ context.Context, workspaceID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[workspaceID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, workspaceID string, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.snapshots[workspaceID]
	if !ok {
		existing = NewSnapshot()
		m.snapshots[workspaceID] = existing
	}
	for kind, raw := range snap.Documents {
		existing.Documents[kind] = append(json.RawMessage(nil), raw...)
	}
	existing.UpdatedAt = snap.UpdatedAt
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, workspaceID string, ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[workspaceID]
	if n := len(events); n > 0 && events[n-1].Sequence >= ev.Sequence {
		return fmt.Errorf("workspace %s sequence %d: %w", workspaceID, ev.Sequence, ErrSequenceConflict)
	}
	m.events[workspaceID] = append(events, ev)
	return nil
}

func (m *MemoryStore) AuditEvents(_ context.Context, workspaceID string) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]audit.Event(nil), m.events[workspaceID]...), nil
}

func (m *MemoryStore) Workspaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }

func (s *Snapshot) clone() *Snapshot {
	out := NewSnapshot()
	for kind, raw := range s.Documents {
		out.Documents[kind] = append(json.RawMessage(nil), raw...)
	}
	out.UpdatedAt = s.UpdatedAt
	return out
}
