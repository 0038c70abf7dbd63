package userstats

import "time"

// Stats aggregates per-owner completion counters. They are written by the
// engine on task completion; reads and any richer analytics belong to the
// reporting collaborator.
type Stats struct {
	UserID                string    `yaml:"user_id" json:"userId"`
	TasksCompleted        int       `yaml:"tasks_completed" json:"tasksCompleted"`
	TotalActualMinutes    int       `yaml:"total_actual_minutes" json:"totalActualMinutes"`
	TotalEstimatedMinutes int       `yaml:"total_estimated_minutes" json:"totalEstimatedMinutes"`
	AvgEfficiencyPercent  int       `yaml:"avg_efficiency_percent" json:"avgEfficiencyPercent"`
	UpdatedAt             time.Time `yaml:"updated_at" json:"updatedAt"`
}

// RecordCompletion folds one completed task into the aggregates.
func (s *Stats) RecordCompletion(estimatedMinutes, actualMinutes, efficiencyPercent int, at time.Time) {
	total := s.AvgEfficiencyPercent*s.TasksCompleted + efficiencyPercent
	s.TasksCompleted++
	s.AvgEfficiencyPercent = total / s.TasksCompleted
	s.TotalActualMinutes += actualMinutes
	s.TotalEstimatedMinutes += estimatedMinutes
	s.UpdatedAt = at
}
