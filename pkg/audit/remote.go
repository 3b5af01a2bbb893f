package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// RemoteFormat identifies the batch payload schema sent to remote sinks.
const RemoteFormat = "helm-ops-audit-remote-v1"

const (
	SinkKindSIEM       = "siem"
	SinkKindObjectLock = "object_lock"

	DefaultBatchSize = 200
	MaxBatchSize     = 5000
)

var (
	ErrSinkDisabled        = errors.New("remote audit sink is disabled")
	ErrSinkEndpointMissing = errors.New("remote audit sink endpoint is missing")
)

// SecretResolver resolves auth_secret_id references.
type SecretResolver interface {
	Resolve(ctx context.Context, workspaceID, secretID string) (string, error)
}

// SinkState is the persisted remote sink configuration and cursor.
// LastSyncedHash always names an event present in the local chain, or is nil.
type SinkState struct {
	Enabled        bool       `json:"enabled"`
	Endpoint       *string    `json:"endpoint"`
	SinkKind       string     `json:"sink_kind"`
	AuthSecretID   *string    `json:"auth_secret_id"`
	VerifyTLS      bool       `json:"verify_tls"`
	BatchSize      int        `json:"batch_size"`
	LastSyncedHash *string    `json:"last_synced_hash"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	LastError      *string    `json:"last_error"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DefaultSinkState returns a disabled SIEM sink.
func DefaultSinkState() SinkState {
	return SinkState{SinkKind: SinkKindSIEM, VerifyTLS: true, BatchSize: DefaultBatchSize}
}

// SinkConfig is the input of Configure. Nil pointers keep defaults.
type SinkConfig struct {
	Enabled      bool   `json:"enabled"`
	Endpoint     string `json:"endpoint,omitempty"`
	SinkKind     string `json:"sink_kind,omitempty"`
	AuthSecretID string `json:"auth_secret_id,omitempty"`
	VerifyTLS    *bool  `json:"verify_tls,omitempty"`
	BatchSize    *int   `json:"batch_size,omitempty"`
}

// Batch is the payload delivered to the remote sink.
type Batch struct {
	Format       string       `json:"format"`
	ProfileID    string       `json:"profile_id"`
	SyncedAt     time.Time    `json:"synced_at"`
	SinkKind     string       `json:"sink_kind"`
	Verification Verification `json:"verification"`
	Events       []Event      `json:"events"`
}

// Delivery carries everything a Transport needs for one batch.
type Delivery struct {
	Endpoint    string
	BearerToken string
	VerifyTLS   bool
	Batch       Batch
}

// Transport delivers a batch to an external append-only store.
type Transport interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SyncResult reports a sync call.
type SyncResult struct {
	Endpoint   string    `json:"endpoint"`
	SinkKind   string    `json:"sink_kind"`
	EventsSent int       `json:"events_sent"`
	FirstHash  *string   `json:"first_hash"`
	LastHash   *string   `json:"last_hash"`
	SyncedAt   time.Time `json:"synced_at"`
}

// Sink mirrors unsynced chain entries to a remote endpoint. It resumes after
// the last acknowledged hash and never skips entries: a failed delivery is
// retried in full by the next call.
type Sink struct {
	mu        sync.Mutex
	state     SinkState
	chain     *Chain
	transport Transport
	secrets   SecretResolver
	clock     func() time.Time
}

// NewSink creates a disabled sink over chain.
func NewSink(chain *Chain, transport Transport, secrets SecretResolver) *Sink {
	return &Sink{
		state:     DefaultSinkState(),
		chain:     chain,
		transport: transport,
		secrets:   secrets,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sink) WithClock(clock func() time.Time) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// State returns a copy of the sink state.
func (s *Sink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restore replaces the sink state. A cursor that no longer names a chain
// event is dropped so the next sync starts from the beginning.
func (s *Sink) Restore(st SinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.SinkKind = SanitizeSinkKind(st.SinkKind)
	st.BatchSize = clampBatch(st.BatchSize, DefaultBatchSize)
	if st.LastSyncedHash != nil {
		if _, err := s.chain.GetByHash(*st.LastSyncedHash); err != nil {
			st.LastSyncedHash = nil
		}
	}
	s.state = st
}

// Configure validates and applies a new configuration. The sync cursor is kept.
func (s *Sink) Configure(cfg SinkConfig) (SinkState, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if cfg.Enabled {
		if endpoint == "" {
			return SinkState{}, fault.Validation("enabled remote audit sink requires endpoint")
		}
		if !strings.HasPrefix(endpoint, "https://") {
			return SinkState{}, fault.Validation("remote audit sink endpoint must use https://")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Enabled = cfg.Enabled
	s.state.Endpoint = optional(endpoint)
	s.state.SinkKind = SanitizeSinkKind(cfg.SinkKind)
	s.state.AuthSecretID = optional(strings.TrimSpace(cfg.AuthSecretID))
	s.state.VerifyTLS = true
	if cfg.VerifyTLS != nil {
		s.state.VerifyTLS = *cfg.VerifyTLS
	}
	if cfg.BatchSize != nil {
		s.state.BatchSize = clampBatch(*cfg.BatchSize, s.state.BatchSize)
	}
	s.state.UpdatedAt = s.clock().UTC()
	return s.state, nil
}

// SetError records a configuration error without changing anything else.
func (s *Sink) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastError = optional(msg)
	s.state.UpdatedAt = s.clock().UTC()
}

// Configured reports whether the sink is enabled with an endpoint.
func (s *Sink) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Enabled && s.state.Endpoint != nil
}

// Sync delivers the next batch of unsynced events. limit <= 0 means batch_size.
func (s *Sink) Sync(ctx context.Context, workspaceID string, limit int) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Enabled {
		return SyncResult{}, fault.SinkUnavailable("remote audit sink", ErrSinkDisabled)
	}
	if s.state.Endpoint == nil {
		return SyncResult{}, fault.SinkUnavailable("remote audit sink", ErrSinkEndpointMissing)
	}
	endpoint := *s.state.Endpoint

	max := s.state.BatchSize
	if limit > 0 && limit < max {
		max = limit
	}
	cursor := ""
	if s.state.LastSyncedHash != nil {
		cursor = *s.state.LastSyncedHash
	}
	pending := s.chain.After(cursor, max)

	now := s.clock().UTC()
	if len(pending) == 0 {
		return SyncResult{
			Endpoint: endpoint,
			SinkKind: s.state.SinkKind,
			LastHash: s.state.LastSyncedHash,
			SyncedAt: now,
		}, nil
	}

	token := ""
	if s.state.AuthSecretID != nil {
		if s.secrets == nil {
			return SyncResult{}, s.failLocked(now, fmt.Errorf("no secret resolver for auth secret '%s'", *s.state.AuthSecretID))
		}
		resolved, err := s.secrets.Resolve(ctx, workspaceID, *s.state.AuthSecretID)
		if err != nil {
			return SyncResult{}, s.failLocked(now, fmt.Errorf("read remote audit auth secret '%s': %w", *s.state.AuthSecretID, err))
		}
		token = resolved
	}

	batch := Batch{
		Format:       RemoteFormat,
		ProfileID:    workspaceID,
		SyncedAt:     now,
		SinkKind:     s.state.SinkKind,
		Verification: s.chain.Verify(),
		Events:       pending,
	}
	err := s.transport.Deliver(ctx, Delivery{
		Endpoint:    endpoint,
		BearerToken: token,
		VerifyTLS:   s.state.VerifyTLS,
		Batch:       batch,
	})
	if err != nil {
		return SyncResult{}, s.failLocked(now, err)
	}

	first := pending[0].Hash
	last := pending[len(pending)-1].Hash
	s.state.LastSyncedHash = &last
	s.state.LastSyncedAt = &now
	s.state.LastError = nil
	s.state.UpdatedAt = now

	slog.Info("audit remote sync", "workspace", workspaceID, "events", len(pending), "last_hash", last)
	return SyncResult{
		Endpoint:   endpoint,
		SinkKind:   s.state.SinkKind,
		EventsSent: len(pending),
		FirstHash:  &first,
		LastHash:   &last,
		SyncedAt:   now,
	}, nil
}

func (s *Sink) failLocked(now time.Time, err error) error {
	msg := err.Error()
	s.state.LastError = &msg
	s.state.UpdatedAt = now
	slog.Warn("audit remote sync failed", "error", msg)
	return fault.SinkUnavailable("remote audit sink", err)
}

// SanitizeSinkKind maps free-form input onto a known sink kind.
func SanitizeSinkKind(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "object_lock", "object-lock":
		return SinkKindObjectLock
	default:
		return SinkKindSIEM
	}
}

func clampBatch(n, fallback int) int {
	if n == 0 {
		n = fallback
	}
	if n < 1 {
		return 1
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
