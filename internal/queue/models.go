package queue

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stage names one step of the content pipeline.
type Stage string

// Pipeline is the fixed, ordered list of stages every task passes through.
type Pipeline []Stage

// NewPipeline converts configured stage names into a Pipeline.
func NewPipeline(names []string) Pipeline {
	stages := make(Pipeline, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		stages = append(stages, Stage(name))
	}
	return stages
}

// First returns the stage that new tasks enter.
func (p Pipeline) First() Stage {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Index reports the position of stage, or -1 when unknown.
func (p Pipeline) Index(stage Stage) int {
	for i, s := range p {
		if s == stage {
			return i
		}
	}
	return -1
}

// Contains reports whether stage is part of the pipeline.
func (p Pipeline) Contains(stage Stage) bool {
	return p.Index(stage) >= 0
}

// Next returns the stage following stage. ok is false for the final stage.
func (p Pipeline) Next(stage Stage) (Stage, bool) {
	idx := p.Index(stage)
	if idx < 0 || idx+1 >= len(p) {
		return "", false
	}
	return p[idx+1], true
}

// Previous returns the stage preceding stage. ok is false for the first stage.
func (p Pipeline) Previous(stage Stage) (Stage, bool) {
	idx := p.Index(stage)
	if idx <= 0 {
		return "", false
	}
	return p[idx-1], true
}

// IsFinal reports whether stage is the last stage.
func (p Pipeline) IsFinal(stage Stage) bool {
	return len(p) > 0 && p[len(p)-1] == stage
}

// After returns every stage strictly after stage.
func (p Pipeline) After(stage Stage) []Stage {
	idx := p.Index(stage)
	if idx < 0 {
		return nil
	}
	return append([]Stage(nil), p[idx+1:]...)
}

// Strings returns the stage names.
func (p Pipeline) Strings() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = string(s)
	}
	return out
}

// TaskStatus is the lifecycle state of a content task.
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskArchived  TaskStatus = "archived"
)

var allTaskStatuses = []TaskStatus{
	TaskScheduled,
	TaskActive,
	TaskCompleted,
	TaskFailed,
	TaskCancelled,
	TaskArchived,
}

// AllTaskStatuses returns every task status in lifecycle order.
func AllTaskStatuses() []TaskStatus {
	return append([]TaskStatus(nil), allTaskStatuses...)
}

// ParseTaskStatus accepts canonical names plus the pending/running aliases.
func ParseTaskStatus(value string) (TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return TaskScheduled, true
	case "running":
		return TaskActive, true
	}
	for _, status := range allTaskStatuses {
		if strings.EqualFold(string(status), strings.TrimSpace(value)) {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further stage work will happen for the task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskArchived:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of one (task, stage) queue entry.
type EntryStatus string

const (
	EntryWaiting    EntryStatus = "waiting"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

var allEntryStatuses = []EntryStatus{EntryWaiting, EntryProcessing, EntryCompleted, EntryFailed}

// AllEntryStatuses returns every entry status.
func AllEntryStatuses() []EntryStatus {
	return append([]EntryStatus(nil), allEntryStatuses...)
}

// ParseEntryStatus parses an entry status name.
func ParseEntryStatus(value string) (EntryStatus, bool) {
	for _, status := range allEntryStatuses {
		if strings.EqualFold(string(status), strings.TrimSpace(value)) {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the entry can no longer be claimed.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryCompleted || s == EntryFailed
}

// Task is one unit of content moving through the pipeline.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Stage           Stage      `json:"stage"`
	Status          TaskStatus `json:"status"`
	Payload         []byte     `json:"payload,omitempty"`
	Priority        int        `json:"priority"`
	MaxRetries      int        `json:"max_retries"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	CancelRequested bool       `json:"cancel_requested"`
	FailedStage     Stage      `json:"failed_stage,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewTask carries the caller-provided fields of a task being created.
type NewTask struct {
	ID          string
	Title       string
	Payload     []byte
	Priority    int
	MaxRetries  int
	ScheduledAt time.Time
}

// Entry is the queue record for a single (task, stage) pair.
type Entry struct {
	ID          int64       `json:"id"`
	TaskID      string      `json:"task_id"`
	Stage       Stage       `json:"stage"`
	Status      EntryStatus `json:"status"`
	Priority    int         `json:"priority"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Result      []byte      `json:"result,omitempty"`
	Owner       Owner       `json:"owner"`
	ClaimSeq    int64       `json:"claim_seq"`
}

// EntryRef addresses an entry as held by one claim. Every claim bumps the
// entry's ClaimSeq; a transition carrying an older ClaimSeq fails with
// ErrClaimLost. A zero ClaimSeq matches any claim and is reserved for
// operator overrides.
type EntryRef struct {
	ID       int64
	ClaimSeq int64
}

// Ref returns the reference that ties transitions to this claim.
func (e *Entry) Ref() EntryRef {
	return EntryRef{ID: e.ID, ClaimSeq: e.ClaimSeq}
}

// RetriesExhausted reports whether another transient failure would be final.
func (e Entry) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// EnqueueRequest asks for a stage entry to be created for a task.
type EnqueueRequest struct {
	TaskID     string
	Stage      Stage
	Priority   int
	MaxRetries int
}

// ClaimRequest narrows ClaimNext to a subset of stages. An empty Stages list
// claims from every stage. Entries listed in Exclude are passed over.
type ClaimRequest struct {
	Owner   Owner
	Stages  []Stage
	Exclude []int64
}

// Owner identifies the worker process holding a claimed entry.
type Owner struct {
	Host     string
	PID      int
	Instance string
}

// CurrentOwner describes this process.
func CurrentOwner(instance string) Owner {
	host, _ := os.Hostname()
	return Owner{Host: host, PID: os.Getpid(), Instance: instance}
}

// IsZero reports whether no owner is recorded.
func (o Owner) IsZero() bool {
	return o.Host == "" && o.PID == 0 && o.Instance == ""
}

// String encodes the owner as host:pid:instance.
func (o Owner) String() string {
	if o.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%d:%s", o.Host, o.PID, o.Instance)
}

// ParseOwner decodes a value produced by Owner.String.
func ParseOwner(value string) (Owner, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Owner{}, nil
	}
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return Owner{}, fmt.Errorf("parse owner %q: expected host:pid:instance", value)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Owner{}, fmt.Errorf("parse owner %q: %w", value, err)
	}
	return Owner{Host: parts[0], PID: pid, Instance: parts[2]}, nil
}

// MarshalText encodes the owner as host:pid:instance.
func (o Owner) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes host:pid:instance.
func (o *Owner) UnmarshalText(text []byte) error {
	parsed, err := ParseOwner(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// EventLevel grades a task event.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// TaskEvent is one line of a task's audit history.
type TaskEvent struct {
	ID        int64      `json:"id"`
	TaskID    string     `json:"task_id"`
	Stage     Stage      `json:"stage"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// StageStats counts entries per status for one stage.
type StageStats struct {
	Stage  Stage               `json:"stage"`
	Counts map[EntryStatus]int `json:"counts"`
}

// Total sums all counts.
func (s StageStats) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	Driver         string `json:"driver"`
	Location       string `json:"location"`
	Reachable      bool   `json:"reachable"`
	SchemaVersion  int    `json:"schema_version"`
	IntegrityCheck bool   `json:"integrity_check"`
	TotalTasks     int    `json:"total_tasks"`
	TotalEntries   int    `json:"total_entries"`
	Error          string `json:"error,omitempty"`
}
