// Package workflow keeps the task board operators use to track governed work.
package workflow

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
	MaxTasks         = 4000
	DefaultViewLimit = 400
	DefaultRiskScore = 50.0
	HighRiskScore    = 70.0
)

// Status of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed, StatusBlocked:
		return s, nil
	default:
		return "", fault.Validation("unknown task status %q", raw)
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

func (s Status) terminal() bool { return s == StatusDone || s == StatusFailed }

func (s Status) open() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusBlocked
}

// Priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority validates a priority name; empty means medium.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fault.Validation("unknown task priority %q", raw)
	}
}

// Task is one board entry.
type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      *string    `json:"description"`
	Status           Status     `json:"status"`
	Priority         Priority   `json:"priority"`
	Owner            *string    `json:"owner"`
	WorkspaceScope   string     `json:"workspace_scope"`
	RuntimeTaskID    *string    `json:"runtime_task_id"`
	AgentID          *string    `json:"agent_id"`
	SkillID          *string    `json:"skill_id"`
	ToolID           *string    `json:"tool_id"`
	Tags             []string   `json:"tags"`
	RiskScore        float64    `json:"risk_score"`
	RelatedReceiptID *string    `json:"related_receipt_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// UpsertRequest creates a task when ID is empty and updates it otherwise.
type UpsertRequest struct {
	ID               string   `json:"id,omitempty"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Status           Status   `json:"status,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Owner            string   `json:"owner,omitempty"`
	RuntimeTaskID    string   `json:"runtime_task_id,omitempty"`
	AgentID          string   `json:"agent_id,omitempty"`
	SkillID          string   `json:"skill_id,omitempty"`
	ToolID           string   `json:"tool_id,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	RiskScore        *float64 `json:"risk_score,omitempty"`
	RelatedReceiptID string   `json:"related_receipt_id,omitempty"`
}

// Summary counts tasks per status.
type Summary struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	InProgress   int `json:"in_progress"`
	Done         int `json:"done"`
	Failed       int `json:"failed"`
	Blocked      int `json:"blocked"`
	HighRiskOpen int `json:"high_risk_open"`
}

// View is a limited board listing with its summary.
type View struct {
	Summary Summary `json:"summary"`
	Tasks   []Task  `json:"tasks"`
}

// Snapshot is the persisted board.
type Snapshot struct {
	Version   int       `json:"version"`
	Tasks     []Task    `json:"tasks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Board holds tasks newest first.
type Board struct {
	mu        sync.RWMutex
	scope     string
	tasks     []Task
	updatedAt time.Time
	lastID    int64
	clock     func() time.Time
}

// NewBoard creates an empty board for a workspace.
func NewBoard(scope string) *Board {
	return &Board{scope: scope, tasks: []Task{}, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (b *Board) WithClock(clock func() time.Time) *Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
	return b
}

// Upsert creates or updates a task.
func (b *Board) Upsert(req UpsertRequest) (Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Task{}, fault.Validation("task title is required")
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return Task{}, err
	}
	if req.Status != "" {
		if req.Status, err = ParseStatus(string(req.Status)); err != nil {
			return Task{}, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock().UTC()
	risk := clampRisk(req.RiskScore)

	if id := strings.TrimSpace(req.ID); id != "" {
		i := b.indexLocked(id)
		if i < 0 {
			return Task{}, fault.NotFound("workflow task", id)
		}
		t := &b.tasks[i]
		t.Title = title
		t.Description = optional(req.Description)
		if req.Status != "" {
			t.transition(req.Status, now)
		}
		if strings.TrimSpace(req.Priority) != "" {
			t.Priority = priority
		}
		t.Owner = optional(req.Owner)
		t.RuntimeTaskID = optional(req.RuntimeTaskID)
		t.AgentID = optional(req.AgentID)
		t.SkillID = optional(req.SkillID)
		t.ToolID = optional(req.ToolID)
		t.Tags = cleanTags(req.Tags)
		t.RiskScore = risk
		t.RelatedReceiptID = optional(req.RelatedReceiptID)
		t.UpdatedAt = now
		b.updatedAt = now
		return t.clone(), nil
	}

	status := req.Status
	if status == "" {
		status = StatusPending
	}
	t := Task{
		ID:               b.nextIDLocked(now),
		Title:            title,
		Description:      optional(req.Description),
		Priority:         priority,
		Owner:            optional(req.Owner),
		WorkspaceScope:   b.scope,
		RuntimeTaskID:    optional(req.RuntimeTaskID),
		AgentID:          optional(req.AgentID),
		SkillID:          optional(req.SkillID),
		ToolID:           optional(req.ToolID),
		Tags:             cleanTags(req.Tags),
		RiskScore:        risk,
		RelatedReceiptID: optional(req.RelatedReceiptID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	t.transition(status, now)

	b.tasks = append([]Task{t}, b.tasks...)
	if len(b.tasks) > MaxTasks {
		b.tasks = b.tasks[:MaxTasks]
	}
	b.updatedAt = now
	return t.clone(), nil
}

// Move changes the status of a task.
func (b *Board) Move(id string, status Status) (Task, error) {
	status, err := ParseStatus(string(status))
	if err != nil {
		return Task{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexLocked(id)
	if i < 0 {
		return Task{}, fault.NotFound("workflow task", id)
	}
	now := b.clock().UTC()
	t := &b.tasks[i]
	t.transition(status, now)
	t.UpdatedAt = now
	b.updatedAt = now
	return t.clone(), nil
}

// Get returns a task by id.
func (b *Board) Get(id string) (Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := b.indexLocked(id)
	if i < 0 {
		return Task{}, fault.NotFound("workflow task", id)
	}
	return b.tasks[i].clone(), nil
}

// View returns up to limit tasks, newest first, with a summary of the
// returned tasks. A non-positive limit means DefaultViewLimit.
func (b *Board) View(limit int) View {
	if limit <= 0 {
		limit = DefaultViewLimit
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit > len(b.tasks) {
		limit = len(b.tasks)
	}
	tasks := make([]Task, limit)
	for i := range tasks {
		tasks[i] = b.tasks[i].clone()
	}
	return View{Summary: Summarize(tasks), Tasks: tasks}
}

// Summary summarizes the whole board.
func (b *Board) Summary() Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Summarize(b.tasks)
}

// Len returns the number of tasks.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tasks)
}

// Snapshot returns the persisted form of the board.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tasks := make([]Task, len(b.tasks))
	for i, t := range b.tasks {
		tasks[i] = t.clone()
	}
	return Snapshot{Version: 1, Tasks: tasks, UpdatedAt: b.updatedAt}
}

// Restore replaces the board with a snapshot.
func (b *Board) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append([]Task{}, s.Tasks...)
	if len(b.tasks) > MaxTasks {
		b.tasks = b.tasks[:MaxTasks]
	}
	b.updatedAt = s.UpdatedAt
	b.lastID = 0
	for _, t := range b.tasks {
		if ts := t.CreatedAt.UnixMicro(); ts > b.lastID {
			b.lastID = ts
		}
	}
}

// Summarize counts tasks per status and the open high-risk tasks.
func Summarize(tasks []Task) Summary {
	s := Summary{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusDone:
			s.Done++
		case StatusFailed:
			s.Failed++
		case StatusBlocked:
			s.Blocked++
		}
		if t.Status.open() && t.RiskScore >= HighRiskScore {
			s.HighRiskOpen++
		}
	}
	return s
}

// transition applies status and its timestamps. started_at is set once.
func (t *Task) transition(status Status, now time.Time) {
	t.Status = status
	if status == StatusInProgress && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if status.terminal() {
		completed := now
		t.CompletedAt = &completed
	} else {
		t.CompletedAt = nil
	}
}

func (t Task) clone() Task {
	t.Tags = append([]string{}, t.Tags...)
	return t
}

func (b *Board) indexLocked(id string) int {
	for i := range b.tasks {
		if b.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) nextIDLocked(now time.Time) string {
	micros := now.UnixMicro()
	if micros <= b.lastID {
		micros = b.lastID + 1
	}
	b.lastID = micros
	return fmt.Sprintf("task-%d", micros)
}

func clampRisk(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return DefaultRiskScore
	}
	switch {
	case *v < 0:
		return 0
	case *v > 100:
		return 100
	default:
		return *v
	}
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
