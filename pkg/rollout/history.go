package rollout

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Genesis is the prev hash of the first history record.
const Genesis = "genesis"

// ErrHistoryBroken is wrapped by history verification failures.
var ErrHistoryBroken = errors.New("release history broken")

// HistoryEvent names a release transition.
type HistoryEvent string

const (
	EventPromote  HistoryEvent = "promote"
	EventRollback HistoryEvent = "rollback"
)

// HistoryRecord links one promote or rollback to the record before it.
type HistoryRecord struct {
	Sequence    uint64       `json:"sequence"`
	Event       HistoryEvent `json:"event"`
	ReleaseID   string       `json:"release_id"`
	Version     string       `json:"version"`
	Ring        Ring         `json:"ring"`
	Checksum    string       `json:"checksum_sha256"`
	Signer      string       `json:"signer,omitempty"`
	RecordedAt  time.Time    `json:"recorded_at"`
	PrevHash    string       `json:"prev_hash"`
	ContentHash string       `json:"content_hash,omitempty"`
}

// History is an append-only, hash-chained log of release transitions.
type History struct {
	mu       sync.Mutex
	entries  []HistoryRecord
	headHash string
	clock    func() time.Time
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{
		entries:  make([]HistoryRecord, 0),
		headHash: Genesis,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (h *History) WithClock(clock func() time.Time) *History {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = clock
	return h
}

// Append records a transition of r.
func (h *History) Append(event HistoryEvent, r Release, signer string) (HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := HistoryRecord{
		Sequence:   uint64(len(h.entries)) + 1,
		Event:      event,
		ReleaseID:  r.ReleaseID,
		Version:    r.Version,
		Ring:       r.Ring,
		Checksum:   r.ChecksumSHA256,
		Signer:     signer,
		RecordedAt: h.clock().UTC(),
		PrevHash:   h.headHash,
	}
	hash, err := recordHash(rec)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("hash release history record: %w", err)
	}
	rec.ContentHash = hash

	h.entries = append(h.entries, rec)
	h.headHash = hash
	return rec, nil
}

// Records returns a copy of every record, oldest first.
func (h *History) Records() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryRecord(nil), h.entries...)
}

// Len returns the number of records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Head returns the hash of the newest record, or Genesis.
func (h *History) Head() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headHash
}

// Verify checks the integrity of the release chain.
func (h *History) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return verifyRecords(h.entries)
}

// Restore replaces the history after verifying records.
func (h *History) Restore(records []HistoryRecord) error {
	if err := verifyRecords(records); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(make([]HistoryRecord, 0, len(records)), records...)
	h.headHash = Genesis
	if n := len(records); n > 0 {
		h.headHash = records[n-1].ContentHash
	}
	return nil
}

func verifyRecords(records []HistoryRecord) error {
	prev := Genesis
	for i, rec := range records {
		id := fmt.Sprintf("%d", rec.Sequence)
		if rec.PrevHash != prev {
			return fault.Wrap(fault.KindChainIntegrity, ErrHistoryBroken, "chain broken at release record %d", i).
				With(fault.FieldEventID, id)
		}
		computed, err := recordHash(rec)
		if err != nil {
			return fmt.Errorf("hash release history record %d: %w", i, err)
		}
		if computed != rec.ContentHash {
			return fault.Wrap(fault.KindChainIntegrity, ErrHistoryBroken, "hash mismatch at release record %d", i).
				With(fault.FieldEventID, id)
		}
		prev = rec.ContentHash
	}
	return nil
}

func recordHash(rec HistoryRecord) (string, error) {
	rec.ContentHash = ""
	return canonicalize.CanonicalHash(rec)
}
