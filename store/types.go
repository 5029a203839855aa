// Package store holds the wizard session documents and the live task
// registry. Sessions persist as one JSON file per id; tasks are in-memory
// with bounded retention. Both expose atomic read-modify-write updates
// that are linearizable per key.
package store

import "time"

// Task lifecycle states. Terminal states are sticky.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// WizardSession is the per-session wizard document. Step payloads are
// free-form JSON objects owned by the step that writes them.
type WizardSession struct {
	SessionID      string         `json:"session_id"`
	ProjectID      string         `json:"project_id"`
	SelectedFiles  []string       `json:"selected_files"`
	CurrentStep    string         `json:"current_step"`
	CompletedSteps []string       `json:"completed_steps"`
	RotationConfig map[string]any `json:"rotation_config,omitempty"`
	ProfileConfig  map[string]any `json:"profile_config,omitempty"`
	PlatingInfo    map[string]any `json:"plating_info,omitempty"`
	STLProcessing  map[string]any `json:"stl_processing,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HasCompletedStep reports whether the step is already recorded.
func (s *WizardSession) HasCompletedStep(step string) bool {
	for _, c := range s.CompletedSteps {
		if c == step {
			return true
		}
	}
	return false
}

// MarkStepCompleted appends the step if not already present.
func (s *WizardSession) MarkStepCompleted(step string) {
	if !s.HasCompletedStep(step) {
		s.CompletedSteps = append(s.CompletedSteps, step)
	}
}

// TaskProgress is the live counter block of a task. Counters only grow;
// Completed+Failed never exceeds TotalFiles.
type TaskProgress struct {
	TotalFiles int     `json:"total_files"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	InProgress int     `json:"in_progress"`
	Percentage float64 `json:"percentage"`
}

// recalc keeps Percentage consistent with the counters.
func (p *TaskProgress) recalc() {
	if p.TotalFiles > 0 {
		p.Percentage = float64(p.Completed+p.Failed) / float64(p.TotalFiles) * 100
	} else {
		p.Percentage = 100
	}
}

// RotationInfo records what the slicer's auto-rotate step did to one file.
type RotationInfo struct {
	Degrees      [3]float64 `json:"degrees"`
	Improvement  float64    `json:"improvement"`
	ContactArea  float64    `json:"contact_area"`
	OriginalArea float64    `json:"original_area"`
}

// FileProcessingResult is the outcome for one processing unit (a source
// file or the combined plate).
type FileProcessingResult struct {
	Filename       string        `json:"filename"`
	Success        bool          `json:"success"`
	Rotated        bool          `json:"rotated"`
	RotationInfo   *RotationInfo `json:"rotation_info,omitempty"`
	GCodePath      string        `json:"gcode_path,omitempty"`
	GCodeSize      int64         `json:"gcode_size,omitempty"`
	Error          string        `json:"error,omitempty"`
	ProcessingTime float64       `json:"processing_time_s"`
}

// TaskStatus is the full observable state of one batch submission.
type TaskStatus struct {
	TaskID       string                 `json:"task_id"`
	SessionID    string                 `json:"session_id"`
	Status       string                 `json:"status"`
	Progress     TaskProgress           `json:"progress"`
	Results      []FileProcessingResult `json:"results"`
	Errors       []string               `json:"errors"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// IsTerminal reports whether the task reached a final state.
func (t *TaskStatus) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
}

// clone returns a deep copy so readers never observe torn counters.
func (t *TaskStatus) clone() *TaskStatus {
	out := *t
	out.Results = make([]FileProcessingResult, len(t.Results))
	copy(out.Results, t.Results)
	out.Errors = make([]string, len(t.Errors))
	copy(out.Errors, t.Errors)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return &out
}
