// Package orchestrator drives a print wizard session through the
// pre-rotate → pack → slice pipeline, tracking per-unit progress in the
// task registry and publishing the outcome into the session document.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/elisaul77/kybercore/geometry"
	"github.com/elisaul77/kybercore/slicer"
	"github.com/elisaul77/kybercore/store"
)

// CombinedPlateName is the fixed filename of the packed plate written into
// the session working directory. The combined unit is never re-rotated.
const CombinedPlateName = "combined_plating.stl"

// DefaultMaxConcurrent bounds how many processing units run at once.
const DefaultMaxConcurrent = 3

// nestingVoxelResolution is the grid resolution used for the optional
// voxel-collision verification of an accepted layout, in mm.
const nestingVoxelResolution = 2.0

// RotationConfig selects and tunes the printability pre-rotation.
type RotationConfig struct {
	Enabled              bool    `json:"enabled"`
	Method               string  `json:"method,omitempty"`
	ImprovementThreshold float64 `json:"improvement_threshold,omitempty"`
	MaxIterations        int     `json:"max_iterations,omitempty"`
	LearningRate         float64 `json:"learning_rate,omitempty"`
	RotationStep         float64 `json:"rotation_step,omitempty"`
	MaxRotations         int     `json:"max_rotations,omitempty"`
}

func (c *RotationConfig) withDefaults() RotationConfig {
	out := *c
	if out.Method == "" {
		out.Method = geometry.MethodAuto
	}
	if out.ImprovementThreshold <= 0 {
		out.ImprovementThreshold = 5.0
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = 50
	}
	if out.LearningRate <= 0 {
		out.LearningRate = 0.1
	}
	if out.RotationStep <= 0 {
		out.RotationStep = 30
	}
	if out.MaxRotations <= 0 {
		out.MaxRotations = 500
	}
	return out
}

// PlatingConfig controls packing many parts onto one plate.
type PlatingConfig struct {
	Enabled       bool    `json:"enabled"`
	Algorithm     string  `json:"algorithm,omitempty"`
	Spacing       float64 `json:"spacing,omitempty"`
	EnableNesting bool    `json:"enable_nesting,omitempty"`
}

// ProfileConfig identifies the pre-registered slicing profile and the
// target machine's bed.
type ProfileConfig struct {
	JobID   string           `json:"job_id"`
	BedSize geometry.BedSize `json:"bed_size"`
}

// Gateway is the slice of the slicer client the pipeline needs.
type Gateway interface {
	AutoRotateUpload(ctx context.Context, file []byte, filename string, params slicer.RotateParams) ([]byte, *slicer.RotationMeta, error)
	Slice(ctx context.Context, file []byte, filename, jobID string) ([]byte, error)
}

// Orchestrator runs batch submissions.
type Orchestrator struct {
	sessions *store.SessionStore
	tasks    *store.TaskRegistry
	gateway  Gateway

	maxConcurrent int64
}

// New wires an orchestrator. maxConcurrent falls back to
// DefaultMaxConcurrent when not positive.
func New(sessions *store.SessionStore, tasks *store.TaskRegistry, gateway Gateway, maxConcurrent int) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Orchestrator{
		sessions:      sessions,
		tasks:         tasks,
		gateway:       gateway,
		maxConcurrent: int64(maxConcurrent),
	}
}

// Submit registers a task for the batch and runs the pipeline in the
// background. It returns the new task id immediately.
func (o *Orchestrator) Submit(sessionID string, files []string, rot RotationConfig, prof ProfileConfig, plat PlatingConfig) string {
	taskID := uuid.NewString()
	o.tasks.Create(taskID, sessionID, len(files))
	go o.ProcessBatch(context.Background(), taskID, sessionID, files, rot, prof, plat)
	return taskID
}

// ProcessBatch runs the full pipeline synchronously and always leaves the
// task in a terminal state. Per-unit failures never fail the task; only
// critical setup errors (unknown session, unwritable working directory)
// do.
func (o *Orchestrator) ProcessBatch(ctx context.Context, taskID, sessionID string, files []string, rot RotationConfig, prof ProfileConfig, plat PlatingConfig) {
	now := time.Now()
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Status = store.TaskProcessing
		t.StartedAt = &now
	})

	if len(files) == 0 {
		o.finishTask(taskID, sessionID, nil, nil)
		return
	}

	session, err := o.sessions.Load(sessionID)
	if err != nil {
		o.failTask(taskID, fmt.Sprintf("cannot read session: %v", err))
		return
	}
	workDir, err := o.sessions.WorkDir(sessionID)
	if err != nil {
		o.failTask(taskID, fmt.Sprintf("cannot establish working directory: %v", err))
		return
	}

	rot = rot.withDefaults()

	units := files
	combined := false
	var layout *geometry.PlateLayout

	if plat.Enabled {
		if len(files) < 2 {
			log.Printf("[BATCH] task %s: plating requested for a single file, using single-file path", taskID)
		} else {
			plateLayout, reason := o.buildPlate(ctx, taskID, workDir, files, rot, prof, plat)
			if plateLayout != nil {
				units = []string{CombinedPlateName}
				combined = true
				layout = plateLayout
			} else {
				log.Printf("[BATCH] task %s: packing failed (%s), falling back to per-file processing", taskID, reason)
				o.recordPlatingFallback(session, reason)
			}
		}
	}

	// The unit count may have collapsed to one combined plate.
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Progress.TotalFiles = len(units)
	})

	sem := semaphore.NewWeighted(o.maxConcurrent)
	done := make(chan struct{})
	for _, unit := range units {
		unit := unit
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled during shutdown; account the unit as failed.
			o.settleUnit(taskID, store.FileProcessingResult{
				Filename: unit,
				Error:    fmt.Sprintf("cancelled before start: %v", err),
			})
			continue
		}
		go func() {
			defer sem.Release(1)
			o.runUnit(ctx, taskID, sessionID, workDir, unit, combined, rot, prof)
		}()
	}
	go func() {
		// Wait for every in-flight unit by draining the semaphore.
		_ = sem.Acquire(context.Background(), o.maxConcurrent)
		close(done)
	}()
	<-done

	o.finishTask(taskID, sessionID, layout, files)
}

// runUnit processes one unit with panic containment and progress
// accounting: in_progress is incremented on entry and settled exactly once
// on exit, success or failure.
func (o *Orchestrator) runUnit(ctx context.Context, taskID, sessionID, workDir, filename string, combined bool, rot RotationConfig, prof ProfileConfig) {
	started := time.Now()
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Progress.InProgress++
	})

	result := store.FileProcessingResult{Filename: filename}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("internal fault: %v", r)
		}
		result.ProcessingTime = time.Since(started).Seconds()
		o.settleUnitInFlight(taskID, result)
	}()

	data, err := os.ReadFile(filepath.Join(workDir, filename))
	if err != nil {
		result.Error = fmt.Sprintf("reading mesh: %v", err)
		return
	}

	// The slicer only accepts triangle meshes; unwrap 3MF containers first.
	if geometry.Is3MF(data) {
		converted, err := geometry.Convert3MFToSTL(data)
		if err != nil {
			result.Error = fmt.Sprintf("converting 3MF: %v", err)
			return
		}
		data = converted
	}

	if rot.Enabled && !combined {
		rotated, meta, err := o.gateway.AutoRotateUpload(ctx, data, filename, rotateParams(rot))
		switch {
		case err != nil:
			// Rotation faults degrade to the original bytes.
			log.Printf("[BATCH] Warning: task %s: rotation of %s failed, slicing original: %v", taskID, filename, err)
		case meta != nil && meta.Applied:
			rotatedPath := filepath.Join(workDir, "rotated_"+filename)
			if err := os.WriteFile(rotatedPath, rotated, 0o644); err != nil {
				log.Printf("[BATCH] Warning: task %s: cannot persist rotated %s: %v", taskID, filename, err)
			}
			data = rotated
			result.Rotated = true
			result.RotationInfo = &store.RotationInfo{
				Degrees:      meta.Degrees,
				Improvement:  meta.ImprovementPct,
				ContactArea:  meta.ContactArea,
				OriginalArea: meta.OriginalArea,
			}
		}
	}

	gcode, err := o.gateway.Slice(ctx, data, filename, prof.JobID)
	if err != nil {
		result.Error = fmt.Sprintf("slicing: %v", err)
		return
	}

	gcodePath := filepath.Join(workDir, fmt.Sprintf("gcode_%s_%s.gcode", sessionID, filename))
	if err := os.WriteFile(gcodePath, gcode, 0o644); err != nil {
		result.Error = fmt.Sprintf("writing G-code: %v", err)
		return
	}

	result.Success = true
	result.GCodePath = gcodePath
	result.GCodeSize = int64(len(gcode))
}

// buildPlate loads (and optionally pre-rotates) every mesh, packs them
// onto one bed, and writes the combined plate. Returns the accepted layout
// or nil with a failure reason.
func (o *Orchestrator) buildPlate(ctx context.Context, taskID, workDir string, files []string, rot RotationConfig, prof ProfileConfig, plat PlatingConfig) (*geometry.PlateLayout, string) {
	bed := prof.BedSize
	if bed.Width <= 0 || bed.Height <= 0 {
		return nil, "no bed size configured"
	}
	spacing := plat.Spacing
	if spacing <= 0 {
		spacing = 3.0
	}

	meshes := make([]*geometry.Mesh, 0, len(files))
	for _, filename := range files {
		data, err := os.ReadFile(filepath.Join(workDir, filename))
		if err != nil {
			return nil, fmt.Sprintf("reading %s: %v", filename, err)
		}
		if geometry.Is3MF(data) {
			data, err = geometry.Convert3MFToSTL(data)
			if err != nil {
				return nil, fmt.Sprintf("converting %s: %v", filename, err)
			}
		}

		if rot.Enabled {
			// Rotation runs before packing so the plate is built from
			// print-ready orientations.
			rotated, meta, err := o.gateway.AutoRotateUpload(ctx, data, filename, rotateParams(rot))
			if err != nil {
				log.Printf("[BATCH] Warning: task %s: pre-pack rotation of %s failed, packing original: %v", taskID, filename, err)
			} else if meta != nil && meta.Applied {
				data = rotated
			}
		}

		m, err := geometry.ParseSTL(data)
		if err != nil {
			return nil, fmt.Sprintf("parsing %s: %v", filename, err)
		}
		m.Name = filename
		meshes = append(meshes, m)
	}

	combined, layout, err := geometry.BuildPlate(meshes, bed, spacing, plat.Algorithm)
	if err != nil {
		return nil, err.Error()
	}

	if plat.EnableNesting {
		if err := verifyLayoutVoxels(meshes, layout); err != nil {
			log.Printf("[BATCH] Error: task %s: voxel verification rejected layout: %v", taskID, err)
			return nil, fmt.Sprintf("voxel verification: %v", err)
		}
	}

	if err := geometry.SaveSTL(combined, filepath.Join(workDir, CombinedPlateName)); err != nil {
		return nil, fmt.Sprintf("writing combined plate: %v", err)
	}
	return layout, ""
}

// verifyLayoutVoxels replays the accepted layout into a bed voxel grid and
// rejects it if any two parts collide at voxel resolution.
func verifyLayoutVoxels(meshes []*geometry.Mesh, layout *geometry.PlateLayout) error {
	maxHeight := 0.0
	byName := make(map[string]*geometry.Mesh, len(meshes))
	for _, m := range meshes {
		byName[m.Name] = m
		if h := m.Bounds().Size().Z; h > maxHeight {
			maxHeight = h
		}
	}

	grid, err := geometry.NewBedGrid(layout.Bed, maxHeight+2*nestingVoxelResolution, nestingVoxelResolution)
	if err != nil {
		return err
	}
	for _, p := range layout.Placements {
		m := byName[p.Name]
		if m == nil {
			return fmt.Errorf("layout references unknown piece %s", p.Name)
		}
		b := m.Bounds()
		offset := geometry.Vec3{X: p.X - b.Min.X, Y: p.Y - b.Min.Y, Z: -b.Min.Z}
		if grid.Collides(m, offset) {
			return fmt.Errorf("piece %s collides at voxel resolution", p.Name)
		}
		grid.UnionMesh(m, offset)
	}
	return nil
}

// settleUnitInFlight records a unit outcome that was previously counted as
// in progress.
func (o *Orchestrator) settleUnitInFlight(taskID string, result store.FileProcessingResult) {
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Progress.InProgress--
		if result.Success {
			t.Progress.Completed++
		} else {
			t.Progress.Failed++
			t.Errors = append(t.Errors, fmt.Sprintf("%s: %s", result.Filename, result.Error))
		}
		t.Results = append(t.Results, result)
	})
}

// settleUnit records a unit that never started.
func (o *Orchestrator) settleUnit(taskID string, result store.FileProcessingResult) {
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Progress.Failed++
		t.Errors = append(t.Errors, fmt.Sprintf("%s: %s", result.Filename, result.Error))
		t.Results = append(t.Results, result)
	})
}

// finishTask moves the task to completed and writes the processing summary
// into the session document.
func (o *Orchestrator) finishTask(taskID, sessionID string, layout *geometry.PlateLayout, originalFiles []string) {
	snapshot, err := o.tasks.Get(taskID)
	if err != nil {
		return
	}

	now := time.Now()
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Status = store.TaskCompleted
		t.CompletedAt = &now
	})

	var successful, failed []string
	for _, r := range snapshot.Results {
		if r.Success {
			successful = append(successful, r.Filename)
		} else {
			failed = append(failed, r.Filename)
		}
	}

	err = o.sessions.Update(sessionID, func(s *store.WizardSession) error {
		s.STLProcessing = map[string]any{
			"task_id":    taskID,
			"successful": successful,
			"failed":     failed,
			"total":      snapshot.Progress.TotalFiles,
		}
		s.MarkStepCompleted("stl_processing")
		s.CurrentStep = "validation"
		if layout != nil {
			s.PlatingInfo = map[string]any{
				"enabled":                true,
				"algorithm":              layout.Algorithm,
				"utilization":            layout.Utilization,
				"rotation_applied_first": true,
				"original_files":         originalFiles,
				"layout":                 layout,
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[BATCH] Warning: task %s: cannot update session %s: %v", taskID, sessionID, err)
	}
}

func (o *Orchestrator) failTask(taskID, message string) {
	now := time.Now()
	_ = o.tasks.Mutate(taskID, func(t *store.TaskStatus) {
		t.Status = store.TaskFailed
		t.ErrorMessage = message
		t.CompletedAt = &now
	})
	log.Printf("[BATCH] task %s failed: %s", taskID, message)
}

// recordPlatingFallback notes in the session why packing was abandoned.
func (o *Orchestrator) recordPlatingFallback(session *store.WizardSession, reason string) {
	err := o.sessions.Update(session.SessionID, func(s *store.WizardSession) error {
		s.PlatingInfo = map[string]any{
			"enabled":         true,
			"fallback":        true,
			"fallback_reason": reason,
		}
		return nil
	})
	if err != nil {
		log.Printf("[BATCH] Warning: cannot record plating fallback: %v", err)
	}
}

func rotateParams(rot RotationConfig) slicer.RotateParams {
	return slicer.RotateParams{
		Method:               rot.Method,
		ImprovementThreshold: rot.ImprovementThreshold,
		MaxIterations:        rot.MaxIterations,
		LearningRate:         rot.LearningRate,
		RotationStep:         rot.RotationStep,
		MaxRotations:         rot.MaxRotations,
	}
}
