package device

import "time"

type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusMaintenance, StatusError:
		return true
	}
	return false
}

// Binding is the exclusive association between a device and the one task it
// is currently executing. IsActive false means the fields are historical.
type Binding struct {
	TaskID    string    `yaml:"task_id" json:"taskId"`
	StartedAt time.Time `yaml:"started_at" json:"startedAt"`
	IsActive  bool      `yaml:"is_active" json:"isActive"`
}

type Statistics struct {
	TasksReceived      int `yaml:"tasks_received" json:"tasksReceived"`
	TasksCompleted     int `yaml:"tasks_completed" json:"tasksCompleted"`
	TotalActiveMinutes int `yaml:"total_active_minutes" json:"totalActiveMinutes"`
	// AvgResponseMinutes is the running mean of assignment-to-completion time.
	AvgResponseMinutes int `yaml:"avg_response_minutes" json:"avgResponseMinutes"`
}

type LogEntry struct {
	Level     string    `yaml:"level" json:"level"`
	Message   string    `yaml:"message" json:"message"`
	CreatedAt time.Time `yaml:"created_at" json:"createdAt"`
}

// maxLogEntries bounds the per-device log ring.
const maxLogEntries = 50

type Device struct {
	ID            string            `yaml:"id" json:"id"`
	OwnerID       string            `yaml:"owner_id" json:"ownerId"`
	Name          string            `yaml:"name" json:"name"`
	Status        Status            `yaml:"status" json:"status"`
	LastSeen      time.Time         `yaml:"last_seen" json:"lastSeen"`
	CurrentTask   *Binding          `yaml:"current_task,omitempty" json:"currentTask,omitempty"`
	Configuration map[string]string `yaml:"configuration,omitempty" json:"configuration,omitempty"`
	Statistics    Statistics        `yaml:"statistics" json:"statistics"`
	Logs          []LogEntry        `yaml:"logs,omitempty" json:"logs,omitempty"`
	Deactivated   bool              `yaml:"deactivated" json:"deactivated"`
	CreatedAt     time.Time         `yaml:"created_at" json:"createdAt"`
	UpdatedAt     time.Time         `yaml:"updated_at" json:"updatedAt"`
}

// HasActiveTask reports whether the device currently holds an active binding.
func (d *Device) HasActiveTask() bool {
	return d.CurrentTask != nil && d.CurrentTask.IsActive
}

// AppendLog appends a log entry, keeping only the most recent entries.
func (d *Device) AppendLog(level, message string, at time.Time) {
	d.Logs = append(d.Logs, LogEntry{Level: level, Message: message, CreatedAt: at})
	if len(d.Logs) > maxLogEntries {
		d.Logs = d.Logs[len(d.Logs)-maxLogEntries:]
	}
}

// RecordCompletion updates the completion counters and the running mean of
// assignment-to-completion time.
func (s *Statistics) RecordCompletion(responseMinutes int) {
	if responseMinutes < 0 {
		responseMinutes = 0
	}
	total := s.AvgResponseMinutes*s.TasksCompleted + responseMinutes
	s.TasksCompleted++
	s.AvgResponseMinutes = total / s.TasksCompleted
	s.TotalActiveMinutes += responseMinutes
}
