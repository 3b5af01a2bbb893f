// Package outcomes records whether governed work solved the problem it was
// started for. The compliance posture reads its summary.
package outcomes

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

const (
	MaxOutcomes      = 4000
	DefaultListLimit = 200
)

// Status of an outcome.
type Status string

const (
	StatusSolved   Status = "solved"
	StatusPartial  Status = "partial"
	StatusUnsolved Status = "unsolved"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusSolved, StatusPartial, StatusUnsolved:
		return s, nil
	default:
		return "", fault.Validation("unknown outcome status %q", raw)
	}
}

// UnmarshalJSON rejects unknown statuses.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Record is one measured outcome.
type Record struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Title            string    `json:"title"`
	Status           Status    `json:"status"`
	ImpactScore      float64   `json:"impact_score"`
	Owner            *string   `json:"owner"`
	RelatedReceiptID *string   `json:"related_receipt_id"`
	RelatedTaskID    *string   `json:"related_task_id"`
	Notes            *string   `json:"notes"`
}

// Input is the input to Record.
type Input struct {
	Title            string  `json:"title"`
	Status           Status  `json:"status"`
	ImpactScore      float64 `json:"impact_score"`
	Owner            string  `json:"owner,omitempty"`
	RelatedReceiptID string  `json:"related_receipt_id,omitempty"`
	RelatedTaskID    string  `json:"related_task_id,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

// Summary aggregates recorded outcomes.
type Summary struct {
	Total          int     `json:"total"`
	Solved         int     `json:"solved"`
	Partial        int     `json:"partial"`
	Unsolved       int     `json:"unsolved"`
	SolvedRate     float64 `json:"solved_rate"`
	AvgImpactScore float64 `json:"avg_impact_score"`
}

// Log holds outcomes newest first.
type Log struct {
	mu      sync.RWMutex
	records []Record
	lastID  int64
	clock   func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{records: []Record{}, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	return l
}

// Record stores a new outcome.
func (l *Log) Record(in Input) (Record, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Record{}, fault.Validation("outcome title is required")
	}
	status, err := ParseStatus(string(in.Status))
	if err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UTC()
	micros := now.UnixMicro()
	if micros <= l.lastID {
		micros = l.lastID + 1
	}
	l.lastID = micros

	r := Record{
		ID:               fmt.Sprintf("outcome-%d", micros),
		Timestamp:        now,
		Title:            title,
		Status:           status,
		ImpactScore:      clampImpact(in.ImpactScore),
		Owner:            optional(in.Owner),
		RelatedReceiptID: optional(in.RelatedReceiptID),
		RelatedTaskID:    optional(in.RelatedTaskID),
		Notes:            optional(in.Notes),
	}
	l.records = append([]Record{r}, l.records...)
	if len(l.records) > MaxOutcomes {
		l.records = l.records[:MaxOutcomes]
	}
	return r, nil
}

// List returns up to limit outcomes, newest first.
func (l *Log) List(limit int) []Record {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit > len(l.records) {
		limit = len(l.records)
	}
	return append([]Record(nil), l.records[:limit]...)
}

// All returns every outcome, newest first.
func (l *Log) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record{}, l.records...)
}

// Len returns the number of outcomes.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Summary aggregates every recorded outcome.
func (l *Log) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summarize(l.records)
}

// Restore replaces the log with persisted records, newest first.
func (l *Log) Restore(records []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append([]Record{}, records...)
	l.lastID = 0
	for _, r := range l.records {
		if ts := r.Timestamp.UnixMicro(); ts > l.lastID {
			l.lastID = ts
		}
	}
}

// Summarize aggregates records.
func Summarize(records []Record) Summary {
	s := Summary{Total: len(records)}
	var impact float64
	for _, r := range records {
		switch r.Status {
		case StatusSolved:
			s.Solved++
		case StatusPartial:
			s.Partial++
		case StatusUnsolved:
			s.Unsolved++
		}
		impact += r.ImpactScore
	}
	if s.Total > 0 {
		s.SolvedRate = float64(s.Solved) / float64(s.Total)
		s.AvgImpactScore = impact / float64(s.Total)
	}
	return s
}

func clampImpact(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
