package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/elisaul77/kybercore/fleet"
	"github.com/elisaul77/kybercore/geometry"
	"github.com/elisaul77/kybercore/orchestrator"
	"github.com/elisaul77/kybercore/store"
)

// newHTTPServer builds the service's HTTP surface.
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"timestamp":  time.Now(),
			"printers":   a.Fleet.Count(),
			"tasks":      a.Tasks.Count(),
			"ws_clients": a.Hub.ClientCount(),
		})
	})

	// Batch submission: rotate, optionally plate, slice.
	mux.HandleFunc("POST /api/process-with-rotation", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string                      `json:"session_id"`
			Files     []string                    `json:"files"`
			Rotation  orchestrator.RotationConfig `json:"rotation_config"`
			Profile   orchestrator.ProfileConfig  `json:"profile_config"`
			Plating   orchestrator.PlatingConfig  `json:"plating_config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.SessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		if _, err := a.Sessions.Load(req.SessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "unknown session", http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}

		taskID := a.Batches.Submit(req.SessionID, req.Files, req.Rotation, req.Profile, req.Plating)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"task_id": taskID,
			"status":  store.TaskPending,
		})
	})

	// Task progress. Per-file results are published once the task is done.
	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := a.Tasks.Get(r.PathValue("id"))
		if err != nil {
			http.Error(w, "unknown task", http.StatusNotFound)
			return
		}
		if !snap.IsTerminal() {
			snap.Results = nil
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		session, err := a.Sessions.Load(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "unknown session", http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	// Partial update: merge the provided fields into the stored document
	// atomically with respect to the batch pipeline's own writes.
	mux.HandleFunc("PATCH /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch struct {
			ProjectID      *string         `json:"project_id"`
			SelectedFiles  *[]string       `json:"selected_files"`
			CurrentStep    *string         `json:"current_step"`
			RotationConfig *map[string]any `json:"rotation_config"`
			ProfileConfig  *map[string]any `json:"profile_config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		id := r.PathValue("id")
		err := a.Sessions.Update(id, func(s *store.WizardSession) error {
			if patch.ProjectID != nil {
				s.ProjectID = *patch.ProjectID
			}
			if patch.SelectedFiles != nil {
				s.SelectedFiles = *patch.SelectedFiles
			}
			if patch.CurrentStep != nil {
				s.CurrentStep = *patch.CurrentStep
			}
			if patch.RotationConfig != nil {
				s.RotationConfig = *patch.RotationConfig
			}
			if patch.ProfileConfig != nil {
				s.ProfileConfig = *patch.ProfileConfig
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "unknown session", http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}

		session, err := a.Sessions.Load(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	// Plate layout preview for the wizard UI.
	mux.HandleFunc("GET /api/sessions/{id}/plate-preview", func(w http.ResponseWriter, r *http.Request) {
		session, err := a.Sessions.Load(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "unknown session", http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}

		layout := decodePlateLayout(session)
		if layout == nil {
			http.Error(w, "session has no plate layout", http.StatusNotFound)
			return
		}

		preview := geometry.NewPlatePreview(layout)
		switch format := r.URL.Query().Get("format"); format {
		case "svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			w.Header().Set("Cache-Control", "no-cache")
			if err := preview.RenderSVG(w); err != nil {
				log.Printf("Error rendering plate preview SVG: %v", err)
			}
		case "", "png":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-cache")
			if err := preview.RenderPNG(w); err != nil {
				log.Printf("Error rendering plate preview PNG: %v", err)
			}
		default:
			http.Error(w, "format must be png or svg", http.StatusBadRequest)
		}
	})

	// Fleet registry and realtime listing.
	mux.HandleFunc("GET /api/fleet/printers", func(w http.ResponseWriter, r *http.Request) {
		printers, err := a.Fleet.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"printers": printers,
			"count":    len(printers),
		})
	})

	mux.HandleFunc("POST /api/fleet/printers", func(w http.ResponseWriter, r *http.Request) {
		var p fleet.Printer
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.Fleet.Add(p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	})

	mux.HandleFunc("DELETE /api/fleet/printers/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := a.Fleet.Remove(id); err != nil {
			if errors.Is(err, fleet.ErrUnknownPrinter) {
				http.Error(w, "unknown printer", http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		if a.Publisher != nil {
			a.Publisher.ClearStatus(id)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Bulk commands: dry-run impact analysis and actual dispatch.
	mux.HandleFunc("POST /api/fleet/commands/validate", func(w http.ResponseWriter, r *http.Request) {
		var req fleet.BulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		impact, err := a.Fleet.ValidateBulkCommand(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, impact)
	})

	mux.HandleFunc("POST /api/fleet/commands", func(w http.ResponseWriter, r *http.Request) {
		var req fleet.BulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		results, err := a.Fleet.BulkCommand(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	// Realtime fleet stream.
	mux.HandleFunc("/ws/fleet", a.Hub.ServeWS)

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// decodePlateLayout rebuilds the typed layout from the session document,
// which stores it as free-form JSON.
func decodePlateLayout(session *store.WizardSession) *geometry.PlateLayout {
	if session.PlatingInfo == nil {
		return nil
	}
	raw, ok := session.PlatingInfo["layout"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var layout geometry.PlateLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil
	}
	if layout.Bed.Width <= 0 || layout.Bed.Height <= 0 {
		return nil
	}
	return &layout
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
