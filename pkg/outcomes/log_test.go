package outcomes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

func TestRecordAndSummary(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog().WithClock(func() time.Time { return now })

	for _, in := range []Input{
		{Title: "rollout fixed", Status: StatusSolved, ImpactScore: 80},
		{Title: "partial fix", Status: StatusPartial, ImpactScore: 140},
		{Title: "still broken", Status: StatusUnsolved, ImpactScore: -20},
		{Title: "resolved incident", Status: StatusSolved, ImpactScore: 20},
	} {
		_, err := l.Record(in)
		require.NoError(t, err)
	}

	s := l.Summary()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Solved)
	assert.Equal(t, 1, s.Partial)
	assert.Equal(t, 1, s.Unsolved)
	assert.InDelta(t, 0.5, s.SolvedRate, 1e-9)
	assert.InDelta(t, 50.0, s.AvgImpactScore, 1e-9)

	list := l.List(2)
	require.Len(t, list, 2)
	assert.Equal(t, "resolved incident", list[0].Title)
	assert.NotEqual(t, list[0].ID, list[1].ID)
	assert.Regexp(t, `^outcome-\d+$`, list[0].ID)
}

func TestRecordValidation(t *testing.T) {
	l := NewLog()
	_, err := l.Record(Input{Title: "", Status: StatusSolved})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = l.Record(Input{Title: "x", Status: "won"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	var in Input
	assert.Error(t, json.Unmarshal([]byte(`{"title":"x","status":"won"}`), &in))
}

func TestEmptySummary(t *testing.T) {
	assert.Equal(t, Summary{}, NewLog().Summary())
}

func TestRestore(t *testing.T) {
	src := NewLog()
	r, err := src.Record(Input{Title: "x", Status: StatusPartial, ImpactScore: 10, Notes: " n "})
	require.NoError(t, err)
	assert.Equal(t, "n", *r.Notes)

	dst := NewLog()
	dst.Restore(src.All())
	assert.Equal(t, 1, dst.Len())
	assert.Equal(t, r.ID, dst.List(0)[0].ID)
}
