package store

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultTaskRetention is how long terminal tasks stay visible before the
// sweeper removes them.
const DefaultTaskRetention = 24 * time.Hour

// TaskRegistry maps task ids to live task state. All reads return deep
// snapshots; all writes go through Mutate under a registry-wide lock that
// spans the whole update, so observers never see torn counters.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*TaskStatus
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*TaskStatus)}
}

// Create registers a new pending task.
func (r *TaskRegistry) Create(taskID, sessionID string, totalFiles int) *TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &TaskStatus{
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    TaskPending,
		Progress:  TaskProgress{TotalFiles: totalFiles},
		Results:   []FileProcessingResult{},
		Errors:    []string{},
		CreatedAt: time.Now(),
	}
	t.Progress.recalc()
	r.tasks[taskID] = t
	return t.clone()
}

// Get returns a consistent snapshot of the task, or ErrNotFound.
func (r *TaskRegistry) Get(taskID string) (*TaskStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t.clone(), nil
}

// Mutate applies fn to the live task under the registry lock. Terminal
// states are sticky: once a task is completed, failed, or cancelled its
// status field is restored if fn tries to change it. Progress percentage
// is recalculated after fn runs.
func (r *TaskRegistry) Mutate(taskID string, fn func(*TaskStatus)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	wasTerminal := t.IsTerminal()
	prevStatus := t.Status
	fn(t)
	if wasTerminal && t.Status != prevStatus {
		t.Status = prevStatus
	}
	t.Progress.recalc()
	return nil
}

// Sweep removes terminal tasks whose completion is older than maxAge and
// returns how many were removed.
func (r *TaskRegistry) Sweep(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range r.tasks {
		if t.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps at the given interval until stop is closed.
func (r *TaskRegistry) RunSweeper(stop <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := r.Sweep(maxAge); n > 0 {
				log.Printf("[TASKS] swept %d expired task(s)", n)
			}
		}
	}
}

// Count returns the number of tracked tasks.
func (r *TaskRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
