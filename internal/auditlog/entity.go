package auditlog

import "time"

type Action string

const (
	ActionCreated           Action = "created"
	ActionAssigned          Action = "assigned"
	ActionStarted           Action = "started"
	ActionPaused            Action = "paused"
	ActionCompleted         Action = "completed"
	ActionCancelled         Action = "cancelled"
	ActionPostponed         Action = "postponed"
	ActionNoteAdded         Action = "note_added"
	ActionProgressUpdated   Action = "progress_updated"
	ActionDeviceInteraction Action = "device_interaction"
)

// Metrics are derived performance indicators attached to some entries.
// They are informational, never authoritative.
type Metrics struct {
	EfficiencyPercent int `yaml:"efficiency_percent" json:"efficiencyPercent"`
	FocusPercent      int `yaml:"focus_percent,omitempty" json:"focusPercent,omitempty"`
	QualityRating     int `yaml:"quality_rating,omitempty" json:"qualityRating,omitempty"`
}

// Entry is an immutable audit record. Entries are appended by the component
// performing a transition and never mutated afterwards.
type Entry struct {
	ID        string            `yaml:"id" json:"id"`
	TaskID    string            `yaml:"task_id" json:"taskId"`
	UserID    string            `yaml:"user_id" json:"userId"`
	DeviceID  string            `yaml:"device_id,omitempty" json:"deviceId,omitempty"`
	Action    Action            `yaml:"action" json:"action"`
	Details   map[string]string `yaml:"details,omitempty" json:"details,omitempty"`
	Metrics   *Metrics          `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	SessionID string            `yaml:"session_id" json:"sessionId"`
	CreatedAt time.Time         `yaml:"created_at" json:"createdAt"`
}

// EfficiencyPercent derives estimated-vs-actual efficiency as a percentage,
// clamped to [0, 200]. Zero actual duration yields zero rather than a
// division blowup.
func EfficiencyPercent(estimatedMinutes, actualMinutes int) int {
	if estimatedMinutes <= 0 || actualMinutes <= 0 {
		return 0
	}
	pct := estimatedMinutes * 100 / actualMinutes
	if pct > 200 {
		return 200
	}
	return pct
}
