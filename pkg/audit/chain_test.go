package audit

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

func stepClock() func() time.Time {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

func appendN(t *testing.T, c *Chain, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := c.Append(Record{
			ActorID:   "local-user",
			ActorRole: "admin",
			Action:    "release.promote",
			Resource:  "profile:p1",
			Result:    "allowed",
			ReceiptID: "r-" + string(rune('a'+i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestAppendLinksToPrevious(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 3)

	if events[0].PrevHash != Genesis {
		t.Errorf("first event must link to genesis, got %s", events[0].PrevHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			t.Errorf("event %d not linked to previous", i)
		}
	}
	if c.Head() != events[2].Hash {
		t.Errorf("head mismatch")
	}
	if events[0].Sequence != 1 || events[2].Sequence != 3 {
		t.Errorf("unexpected sequence numbers")
	}
}

func TestEventIDsAreUnique(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	c := NewChain().WithClock(func() time.Time { return fixed })
	events := appendN(t, c, 5)
	seen := map[string]bool{}
	for _, ev := range events {
		if seen[ev.ID] {
			t.Fatalf("duplicate id %s", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestVerifyEmpty(t *testing.T) {
	v := NewChain().Verify()
	if !v.Valid || v.Entries != 0 || v.LastHash != nil {
		t.Fatalf("unexpected verification for empty chain: %+v", v)
	}
	if v.Err() != nil {
		t.Fatal("valid verification must not produce an error")
	}
}

func TestVerifyValid(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 4)
	v := c.Verify()
	if !v.Valid || v.Entries != 4 {
		t.Fatalf("expected valid chain, got %+v", v)
	}
	if v.LastHash == nil || *v.LastHash != events[3].Hash {
		t.Errorf("last hash mismatch")
	}
}

func TestVerifyDetectsRelink(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 3)
	events[2].PrevHash = "sha256:forged"

	v := VerifyEvents(events)
	if v.Valid {
		t.Fatal("expected invalid chain")
	}
	if v.Error == nil || *v.Error != "chain mismatch at "+events[2].ID {
		t.Errorf("unexpected error %v", v.Error)
	}
	if v.Entries != 3 {
		t.Errorf("entries should report the total, got %d", v.Entries)
	}
	if v.LastHash == nil || *v.LastHash != events[1].Hash {
		t.Errorf("last_hash should be the expected prev")
	}

	err := v.Err()
	if !fault.Is(err, fault.KindChainIntegrity) || !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected chain integrity error, got %v", err)
	}
	fe, _ := fault.As(err)
	if fe.Field(fault.FieldEventID) != events[2].ID {
		t.Errorf("error should carry the broken event id")
	}
}

func TestVerifyDetectsFieldTampering(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 3)
	events[1].Result = "denied"

	v := VerifyEvents(events)
	if v.Valid {
		t.Fatal("expected tampering to be detected")
	}
	if v.BrokenAt != events[1].ID {
		t.Errorf("expected break at %s, got %s", events[1].ID, v.BrokenAt)
	}
}

func TestListReturnsTailInOrder(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 5)
	got := c.List(2)
	if len(got) != 2 || got[0].ID != events[3].ID || got[1].ID != events[4].ID {
		t.Fatalf("unexpected tail: %+v", got)
	}
	if len(c.List(0)) != 5 {
		t.Error("default limit should return all five events")
	}
}

func TestAfter(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 5)

	if got := c.After("", 2); len(got) != 2 || got[0].ID != events[0].ID {
		t.Errorf("empty cursor should start at the beginning")
	}
	if got := c.After(events[1].Hash, 10); len(got) != 3 || got[0].ID != events[2].ID {
		t.Errorf("cursor should resume after the acknowledged hash")
	}
	if got := c.After("sha256:unknown", 1); len(got) != 1 || got[0].ID != events[0].ID {
		t.Errorf("unknown cursor should restart from the beginning")
	}
	if got := c.After(events[4].Hash, 10); len(got) != 0 {
		t.Errorf("nothing should follow the head")
	}
}

func TestRestoreAndContinue(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	events := appendN(t, c, 2)

	restored := NewChain().WithClock(stepClock())
	restored.Restore(events)
	next, err := restored.Append(Record{Action: "audit.remote.sync", Result: "allowed"})
	if err != nil {
		t.Fatal(err)
	}
	if next.PrevHash != events[1].Hash {
		t.Errorf("restored chain should continue from its head")
	}
	if next.ID == events[1].ID {
		t.Errorf("restored chain reused an id")
	}
	if !restored.Verify().Valid {
		t.Error("restored chain should verify")
	}
}

func TestExportRoundTrip(t *testing.T) {
	c := NewChain().WithClock(stepClock())
	appendN(t, c, 3)
	path := filepath.Join(t.TempDir(), "audit-log.json")

	if _, err := c.Export(path); err != nil {
		t.Fatalf("export: %v", err)
	}
	events, err := ReadExport(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if v := VerifyEvents(events); !v.Valid || v.Entries != 3 {
		t.Fatalf("exported chain should verify, got %+v", v)
	}
}

func TestHandlersObserveAppends(t *testing.T) {
	c := NewChain()
	var seen []string
	c.AddHandler(func(ev Event) { seen = append(seen, ev.ID) })
	ev, _ := c.Append(Record{Action: "x"})
	if len(seen) != 1 || seen[0] != ev.ID {
		t.Fatalf("handler not called: %v", seen)
	}
}
