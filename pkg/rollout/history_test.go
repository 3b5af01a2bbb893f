package rollout

import (
	"errors"
	"testing"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

func TestHistoryChaining(t *testing.T) {
	h := NewHistory()
	r1, err := h.Append(EventPromote, Release{ReleaseID: "r1", Version: "1.0.0", ChecksumSHA256: "abc", Ring: RingPilot}, "k1")
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := h.Append(EventPromote, Release{ReleaseID: "r2", Version: "2.0.0", ChecksumSHA256: "def", Ring: RingPilot}, "k1")

	if r1.PrevHash != Genesis {
		t.Fatalf("first record should chain to genesis, got %s", r1.PrevHash)
	}
	if r2.PrevHash != r1.ContentHash {
		t.Fatal("record 2 should chain to record 1")
	}
	if h.Head() != r2.ContentHash {
		t.Fatal("head should be the newest hash")
	}
	if err := h.Verify(); err != nil {
		t.Fatalf("expected valid chain: %v", err)
	}
}

func TestHistoryTamperDetected(t *testing.T) {
	h := NewHistory()
	_, _ = h.Append(EventPromote, Release{ReleaseID: "r1", Version: "1.0.0"}, "")
	_, _ = h.Append(EventRollback, Release{ReleaseID: "r1", Version: "1.0.0"}, "")

	records := h.Records()
	records[0].Version = "9.9.9"

	err := NewHistory().Restore(records)
	if err == nil {
		t.Fatal("expected tampered history to be rejected")
	}
	if !errors.Is(err, ErrHistoryBroken) || !fault.Is(err, fault.KindChainIntegrity) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHistoryReorderDetected(t *testing.T) {
	h := NewHistory()
	_, _ = h.Append(EventPromote, Release{ReleaseID: "r1"}, "")
	_, _ = h.Append(EventPromote, Release{ReleaseID: "r2"}, "")

	records := h.Records()
	records[0], records[1] = records[1], records[0]
	if err := NewHistory().Restore(records); err == nil {
		t.Fatal("expected reordered history to be rejected")
	}
}
