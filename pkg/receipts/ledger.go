// Package receipts is the append-only record of every policy decision.
package receipts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxReceipts bounds the in-memory ledger; the oldest entries fall off.
	MaxReceipts = 10_000

	DefaultListLimit = 200
	MaxListLimit     = 1000

	DefaultReceiptsDays  = 30
	DefaultApprovalsDays = 90
)

// Result is the outcome recorded for a policy evaluation.
type Result string

const (
	ResultAllowed         Result = "allowed"
	ResultDenied          Result = "denied"
	ResultPendingApproval Result = "pending_approval"
)

// Receipt records a single policy evaluation.
type Receipt struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Destination string         `json:"destination"`
	Result      Result         `json:"result"`
	Reason      string         `json:"reason"`
	Context     map[string]any `json:"context,omitempty"`
}

// RetentionPolicy controls time-based purge of receipts and approvals.
type RetentionPolicy struct {
	ReceiptsDays  int `json:"receipts_days"`
	ApprovalsDays int `json:"approvals_days"`
}

// DefaultRetention returns the 30/90 day policy.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{ReceiptsDays: DefaultReceiptsDays, ApprovalsDays: DefaultApprovalsDays}
}

// Normalize clamps both windows to at least one day.
func (p RetentionPolicy) Normalize() RetentionPolicy {
	if p.ReceiptsDays < 1 {
		p.ReceiptsDays = 1
	}
	if p.ApprovalsDays < 1 {
		p.ApprovalsDays = 1
	}
	return p
}

// ReceiptsCutoff returns the oldest timestamp that survives a purge at now.
func (p RetentionPolicy) ReceiptsCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.ReceiptsDays)
}

// ApprovalsCutoff returns the oldest approval creation time that survives a purge at now.
func (p RetentionPolicy) ApprovalsCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.ApprovalsDays)
}

// Snapshot is the persisted form of the ledger.
type Snapshot struct {
	Receipts  []Receipt       `json:"receipts"`
	Retention RetentionPolicy `json:"retention"`
}

// Ledger is the receipt ledger. Receipts are stored oldest first and
// returned newest first.
type Ledger struct {
	mu        sync.RWMutex
	receipts  []Receipt
	retention RetentionPolicy
	clock     func() time.Time
}

// NewLedger creates an empty ledger with the default retention policy.
func NewLedger() *Ledger {
	return &Ledger{retention: DefaultRetention(), clock: time.Now}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	return l
}

// Restore replaces the ledger contents.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := s.Receipts
	if len(in) > MaxReceipts {
		in = in[:MaxReceipts]
	}
	l.receipts = reversed(in)
	l.retention = DefaultRetention()
	if s.Retention != (RetentionPolicy{}) {
		l.retention = s.Retention.Normalize()
	}
}

// Snapshot returns a copy of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{Receipts: reversed(l.receipts), Retention: l.retention}
}

// Append assigns an id and timestamp when missing and records r.
func (l *Ledger) Append(r Receipt) Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.clock().UTC()
	}
	l.receipts = append(l.receipts, r)
	if over := len(l.receipts) - MaxReceipts; over > 0 {
		l.receipts = l.receipts[over:]
	}
	return r
}

// List returns the most recent receipts, newest first. limit <= 0 means the default.
func (l *Ledger) List(limit int) []Receipt {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit > len(l.receipts) {
		limit = len(l.receipts)
	}
	return reversed(l.receipts[len(l.receipts)-limit:])
}

// Get returns a receipt by id.
func (l *Ledger) Get(id string) (Receipt, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.receipts) - 1; i >= 0; i-- {
		if l.receipts[i].ID == id {
			return l.receipts[i], true
		}
	}
	return Receipt{}, false
}

// Len returns the number of stored receipts.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.receipts)
}

// Retention returns the current retention policy.
func (l *Ledger) Retention() RetentionPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.retention
}

// SetRetention replaces the retention policy; windows are clamped to one day.
func (l *Ledger) SetRetention(p RetentionPolicy) RetentionPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retention = p.Normalize()
	return l.retention
}

// PurgeBefore drops receipts older than cutoff and returns how many were removed.
func (l *Ledger) PurgeBefore(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.receipts[:0]
	for _, r := range l.receipts {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(l.receipts) - len(kept)
	l.receipts = kept
	return removed
}

// Export writes all receipts as indented JSON to path and returns the path.
func (l *Ledger) Export(path string) (string, error) {
	l.mu.RLock()
	data, err := json.MarshalIndent(reversed(l.receipts), "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("receipts: marshal export: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func reversed(in []Receipt) []Receipt {
	out := make([]Receipt, len(in))
	for i, r := range in {
		out[len(in)-1-i] = r
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("receipts: create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("receipts: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("receipts: replace %s: %w", path, err)
	}
	return nil
}
