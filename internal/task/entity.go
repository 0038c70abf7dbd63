package task

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func ValidPriority(p Priority) bool {
	return p >= PriorityHigh && p <= PriorityLow
}

type Timing struct {
	EstimatedMinutes int        `yaml:"estimated_minutes" json:"estimatedMinutes"`
	ActualMinutes    int        `yaml:"actual_minutes" json:"actualMinutes"`
	ScheduledStart   *time.Time `yaml:"scheduled_start,omitempty" json:"scheduledStart,omitempty"`
	Deadline         *time.Time `yaml:"deadline,omitempty" json:"deadline,omitempty"`
	ActualStart      *time.Time `yaml:"actual_start,omitempty" json:"actualStart,omitempty"`
	ActualEnd        *time.Time `yaml:"actual_end,omitempty" json:"actualEnd,omitempty"`
	// LastStartedAt marks the most recent start/resume, used to accumulate
	// ActualMinutes across pause cycles.
	LastStartedAt *time.Time `yaml:"last_started_at,omitempty" json:"-"`
}

type Progress struct {
	Percentage int `yaml:"percentage" json:"percentage"`
}

type Completion struct {
	Rating   int    `yaml:"rating,omitempty" json:"rating,omitempty"`
	Feedback string `yaml:"feedback,omitempty" json:"feedback,omitempty"`
}

type Task struct {
	ID             string      `yaml:"id" json:"id"`
	OwnerID        string      `yaml:"owner_id" json:"ownerId"`
	Title          string      `yaml:"title" json:"title"`
	Description    string      `yaml:"description,omitempty" json:"description,omitempty"`
	Category       string      `yaml:"category,omitempty" json:"category,omitempty"`
	Status         Status      `yaml:"status" json:"status"`
	Priority       Priority    `yaml:"priority" json:"priority"`
	Timing         Timing      `yaml:"timing" json:"timing"`
	AssignedDevice string      `yaml:"assigned_device,omitempty" json:"assignedDevice,omitempty"`
	Progress       Progress    `yaml:"progress" json:"progress"`
	Completion     *Completion `yaml:"completion,omitempty" json:"completion,omitempty"`
	Deactivated    bool        `yaml:"deactivated" json:"deactivated"`
	CreatedAt      time.Time   `yaml:"created_at" json:"createdAt"`
	UpdatedAt      time.Time   `yaml:"updated_at" json:"updatedAt"`
}

// Overdue is a derived property, never stored: a task is overdue when its
// deadline has passed and it has not reached a terminal state.
func (t *Task) Overdue(now time.Time) bool {
	return t.Timing.Deadline != nil && t.Timing.Deadline.Before(now) && !t.Status.Terminal()
}
