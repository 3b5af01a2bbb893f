// Package audit implements the tamper-evident audit hash chain and its
// optional remote append-only mirror.
//
// Each event's hash is the SHA-256 digest of the JCS canonical encoding of
// every other field, including prev_hash and a per-chain sequence number, so
// editing, dropping or reordering any entry breaks verification.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Genesis is the prev_hash of the first event.
const Genesis = "genesis"

// DefaultListLimit is used when List is called without a positive limit.
const DefaultListLimit = 300

var (
	ErrChainBroken   = errors.New("audit hash chain is broken")
	ErrEventNotFound = errors.New("audit event not found")
)

// Event is a single immutable chain entry.
type Event struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	ActorID     string    `json:"actor_id"`
	ActorRole   string    `json:"actor_role"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource"`
	Destination string    `json:"destination"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason"`
	ReceiptID   string    `json:"receipt_id"`
	ApprovalID  *string   `json:"approval_id"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Record is the caller-supplied content of a new event.
type Record struct {
	ActorID     string
	ActorRole   string
	Action      string
	Resource    string
	Destination string
	Result      string
	Reason      string
	ReceiptID   string
	ApprovalID  string
}

// Verification is the result of walking the chain.
type Verification struct {
	Valid    bool    `json:"valid"`
	Entries  int     `json:"entries"`
	LastHash *string `json:"last_hash"`
	Error    *string `json:"error"`
	// BrokenAt is the id of the first offending event when Valid is false.
	BrokenAt string `json:"broken_at,omitempty"`
}

// Err returns a ChainIntegrity error for an invalid verification, nil otherwise.
func (v Verification) Err() error {
	if v.Valid {
		return nil
	}
	msg := "audit chain invalid"
	if v.Error != nil {
		msg = *v.Error
	}
	return &fault.Error{
		Kind:    fault.KindChainIntegrity,
		Message: msg,
		Fields:  map[string]string{fault.FieldEventID: v.BrokenAt},
		Err:     ErrChainBroken,
	}
}

// Handler observes appended events.
type Handler func(Event)

// Chain is an append-only hash-chained audit log.
type Chain struct {
	mu       sync.RWMutex
	events   []Event
	byHash   map[string]int
	head     string
	lastID   int64
	clock    func() time.Time
	handlers []Handler
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{
		byHash: make(map[string]int),
		head:   Genesis,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

// AddHandler registers a handler called after each append.
func (c *Chain) AddHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Append links a new event onto the chain head.
func (c *Chain) Append(rec Record) (Event, error) {
	c.mu.Lock()

	now := c.clock().UTC()
	micros := now.UnixMicro()
	if micros <= c.lastID {
		micros = c.lastID + 1
	}

	ev := Event{
		ID:          fmt.Sprintf("audit-%d", micros),
		Sequence:    uint64(len(c.events)) + 1,
		Timestamp:   now,
		ActorID:     rec.ActorID,
		ActorRole:   rec.ActorRole,
		Action:      rec.Action,
		Resource:    rec.Resource,
		Destination: rec.Destination,
		Result:      rec.Result,
		Reason:      rec.Reason,
		ReceiptID:   rec.ReceiptID,
		PrevHash:    c.head,
	}
	if rec.ApprovalID != "" {
		id := rec.ApprovalID
		ev.ApprovalID = &id
	}
	hash, err := ComputeHash(ev)
	if err != nil {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("audit: hash event: %w", err)
	}
	ev.Hash = hash

	c.lastID = micros
	c.byHash[hash] = len(c.events)
	c.events = append(c.events, ev)
	c.head = hash
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev, nil
}

// ComputeHash returns the digest of ev with its Hash field cleared.
func ComputeHash(ev Event) (string, error) {
	ev.Hash = ""
	type hashable struct {
		Event
		Hash string `json:"hash,omitempty"`
	}
	return canonicalize.CanonicalHash(hashable{Event: ev})
}

// List returns the most recent limit events in chain order.
func (c *Chain) List(limit int) []Event {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := len(c.events) - limit
	if start < 0 {
		start = 0
	}
	return append([]Event(nil), c.events[start:]...)
}

// All returns a copy of every event.
func (c *Chain) All() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Event(nil), c.events...)
}

// Len returns the number of events.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Head returns the hash of the last event, or Genesis.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// GetByHash returns the event with the given hash.
func (c *Chain) GetByHash(hash string) (Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byHash[hash]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return c.events[i], nil
}

// After returns up to max events following the event with hash lastHash.
// An empty or unknown lastHash starts from the beginning of the chain.
func (c *Chain) After(lastHash string, max int) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if lastHash != "" {
		if i, ok := c.byHash[lastHash]; ok {
			start = i + 1
		}
	}
	end := len(c.events)
	if max > 0 && start+max < end {
		end = start + max
	}
	if start >= end {
		return nil
	}
	return append([]Event(nil), c.events[start:end]...)
}

// Verify walks the chain from genesis.
func (c *Chain) Verify() Verification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyEvents(c.events)
}

// Restore replaces the chain with previously persisted events. The events are
// not re-verified; Verify reports any damage.
func (c *Chain) Restore(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append([]Event(nil), events...)
	c.byHash = make(map[string]int, len(events))
	c.head = Genesis
	c.lastID = 0
	for i, ev := range c.events {
		c.byHash[ev.Hash] = i
		c.head = ev.Hash
		if ts := ev.Timestamp.UnixMicro(); ts > c.lastID {
			c.lastID = ts
		}
	}
}

// VerifyEvents checks the linkage and recomputed hash of every event.
func VerifyEvents(events []Event) Verification {
	if len(events) == 0 {
		return Verification{Valid: true}
	}
	expectedPrev := Genesis
	for _, ev := range events {
		if ev.PrevHash != expectedPrev {
			return broken(len(events), expectedPrev, ev.ID, fmt.Sprintf("chain mismatch at %s", ev.ID))
		}
		computed, err := ComputeHash(ev)
		if err != nil || computed != ev.Hash {
			return broken(len(events), expectedPrev, ev.ID, fmt.Sprintf("hash mismatch at event %s", ev.ID))
		}
		expectedPrev = ev.Hash
	}
	last := expectedPrev
	return Verification{Valid: true, Entries: len(events), LastHash: &last}
}

func broken(total int, expectedPrev, eventID, msg string) Verification {
	prev := expectedPrev
	return Verification{
		Valid:    false,
		Entries:  total,
		LastHash: &prev,
		Error:    &msg,
		BrokenAt: eventID,
	}
}

// ExportDocument is the file format written by Export.
type ExportDocument struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	Verification Verification `json:"verification"`
	Events       []Event      `json:"events"`
}

// Export writes the full chain and its verification to path.
func (c *Chain) Export(path string) (string, error) {
	c.mu.RLock()
	doc := ExportDocument{
		GeneratedAt:  c.clock().UTC(),
		Verification: VerifyEvents(c.events),
		Events:       append([]Event(nil), c.events...),
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("audit: marshal export: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("audit: create export dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("audit: write export: %w", err)
	}
	return path, nil
}

// ReadExport loads a file written by Export, or a bare JSON array of events.
func ReadExport(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err == nil && doc.Events != nil {
		return doc.Events, nil
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("audit: parse %s: %w", path, err)
	}
	return events, nil
}
