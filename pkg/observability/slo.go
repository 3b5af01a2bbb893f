package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// maxObservations bounds the per-operation history.
const maxObservations = 2048

// SLOTarget defines a service level objective for one command.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	WindowHours int           `json:"window_hours"`
}

// DefaultSLOTargets covers the commands that talk to external services.
func DefaultSLOTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-policy-evaluate", Operation: "policy_evaluate", LatencyP99: 50 * time.Millisecond, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-audit-remote-sync", Operation: "audit_remote_sync", LatencyP99: 10 * time.Second, SuccessRate: 0.95, WindowHours: 24},
		{SLOID: "slo-billing-verify", Operation: "billing_verify_receipt", LatencyP99: 10 * time.Second, SuccessRate: 0.95, WindowHours: 24},
		{SLOID: "slo-rollout-promote", Operation: "rollout_promote", LatencyP99: time.Second, SuccessRate: 0.9, WindowHours: 168},
	}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance with a target.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps recent observations per operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	return t
}

func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record stores an observation. Operations without a target are ignored.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.targets[obs.Operation]; !ok {
		return
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	list := append(t.observations[obs.Operation], obs)
	if len(list) > maxObservations {
		list = list[len(list)-maxObservations:]
	}
	t.observations[obs.Operation] = list
}

// Status computes the SLO status of an operation over its window.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}
	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)

	var latencies []float64
	success := 0
	for _, obs := range t.observations[operation] {
		if !obs.Timestamp.After(windowStart) {
			continue
		}
		latencies = append(latencies, float64(obs.Latency.Milliseconds()))
		if obs.Success {
			success++
		}
	}
	if len(latencies) == 0 {
		return &SLOStatus{SLOID: target.SLOID, Operation: operation, InCompliance: true, ErrorBudgetLeft: 100}, nil
	}

	sort.Float64s(latencies)
	idx := int(float64(len(latencies)) * 0.99)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	p99 := latencies[idx]
	rate := float64(success) / float64(len(latencies))

	st := &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   rate,
		InCompliance:     p99 <= float64(target.LatencyP99.Milliseconds()) && rate >= target.SuccessRate,
		ObservationCount: len(latencies),
	}
	budget := 1.0 - target.SuccessRate
	errRate := 1.0 - rate
	if budget > 0 {
		st.BurnRate = errRate / budget
		st.ErrorBudgetLeft = 100.0 * (1.0 - errRate/budget)
		if st.ErrorBudgetLeft < 0 {
			st.ErrorBudgetLeft = 0
		}
	}
	return st, nil
}

// Statuses returns the status of every target, ordered by operation.
func (t *SLOTracker) Statuses() []SLOStatus {
	t.mu.Lock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Strings(ops)

	out := make([]SLOStatus, 0, len(ops))
	for _, op := range ops {
		if st, err := t.Status(op); err == nil {
			out = append(out, *st)
		}
	}
	return out
}
