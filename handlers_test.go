package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/elisaul77/kybercore/fleet"
	"github.com/elisaul77/kybercore/store"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// stubSlicer is a minimal slicing service: auto-rotate echoes the uploaded
// mesh bytes back, slice returns canned G-code.
func stubSlicer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auto-rotate-upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, err := r.MultipartForm.File["file"][0].Open()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = f.Close() }()
		_, _ = io.Copy(w, f)
	})
	mux.HandleFunc("/slice", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("G28\nG1 X10 Y10\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// stubPrinterAPI satisfies fleet.PrinterAPI without a network.
type stubPrinterAPI struct{ state string }

func (s stubPrinterAPI) Info(context.Context) (*fleet.PrinterInfo, error) {
	return &fleet.PrinterInfo{State: s.state, Hostname: "stub"}, nil
}

func (s stubPrinterAPI) Temperatures(context.Context) (*fleet.Temperatures, error) {
	return &fleet.Temperatures{Extruder: 205.1, Bed: 60.0}, nil
}

func (s stubPrinterAPI) Command(context.Context, fleet.CommandKind) error { return nil }

// newTestApp wires a full App against a stub slicer and an API test server.
func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	slicerSrv := stubSlicer(t)
	dir := t.TempDir()

	config := &Config{}
	config.Server.Host = "127.0.0.1"
	config.Server.Port = 8080
	config.DataDir = dir
	config.Slicer.URL = slicerSrv.URL
	config.Rotation.WorkerPoolSize = 2
	config.Fleet.PrintersFile = filepath.Join(dir, "printers.json")
	config.Fleet.UpdateIntervalSeconds = 1

	app, err := NewApp(config)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(app.Shutdown)
	app.Fleet.SetClientFactory(func(string) fleet.PrinterAPI {
		return stubPrinterAPI{state: "ready"}
	})

	srv := httptest.NewServer(newHTTPServer(app))
	t.Cleanup(srv.Close)
	return app, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// seedSession creates a session document plus a mesh file in its work
// directory and returns the filename.
func seedSession(t *testing.T, app *App, sessionID string) string {
	t.Helper()
	if err := app.Sessions.Save(&store.WizardSession{SessionID: sessionID}); err != nil {
		t.Fatal(err)
	}
	workDir, err := app.Sessions.WorkDir(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	// A single-triangle ASCII STL is enough for the single-file path.
	stl := `solid part
facet normal 0 0 1
outer loop
vertex 0 0 0
vertex 10 0 0
vertex 0 10 0
endloop
endfacet
endsolid part
`
	if err := os.WriteFile(filepath.Join(workDir, "part.stl"), []byte(stl), 0o644); err != nil {
		t.Fatal(err)
	}
	return "part.stl"
}

// ---------------------------------------------------------------------------
// health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health struct {
		Status   string `json:"status"`
		Printers int    `json:"printers"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
}

// ---------------------------------------------------------------------------
// batch pipeline
// ---------------------------------------------------------------------------

func TestSubmitAndPollBatch(t *testing.T) {
	app, srv := newTestApp(t)
	filename := seedSession(t, app, "sess-1")

	resp := postJSON(t, srv.URL+"/api/process-with-rotation", map[string]any{
		"session_id": "sess-1",
		"files":      []string{filename},
		"profile_config": map[string]any{
			"job_id":   "job-1",
			"bed_size": map[string]float64{"width": 220, "height": 220},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var submitted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &submitted)
	if submitted.TaskID == "" || submitted.Status != "pending" {
		t.Fatalf("submit response = %+v", submitted)
	}

	var task store.TaskStatus
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/api/tasks/" + submitted.TaskID)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("task status = %d", resp.StatusCode)
		}
		decodeBody(t, resp, &task)
		if task.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never finished: %+v", task)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if task.Status != store.TaskCompleted {
		t.Fatalf("task = %+v", task)
	}
	if len(task.Results) != 1 || !task.Results[0].Success {
		t.Fatalf("results = %+v", task.Results)
	}

	workDir, _ := app.Sessions.WorkDir("sess-1")
	gcode := filepath.Join(workDir, fmt.Sprintf("gcode_sess-1_%s.gcode", filename))
	if _, err := os.Stat(gcode); err != nil {
		t.Errorf("missing G-code output: %v", err)
	}

	session, err := app.Sessions.Load("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if session.CurrentStep != "validation" {
		t.Errorf("current_step = %q", session.CurrentStep)
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	_, srv := newTestApp(t)
	resp := postJSON(t, srv.URL+"/api/process-with-rotation", map[string]any{
		"session_id": "ghost",
		"files":      []string{"a.stl"},
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitRequiresSessionID(t *testing.T) {
	_, srv := newTestApp(t)
	resp := postJSON(t, srv.URL+"/api/process-with-rotation", map[string]any{
		"files": []string{"a.stl"},
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTaskUnknown(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/api/tasks/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// sessions
// ---------------------------------------------------------------------------

func TestSessionGetAndPatch(t *testing.T) {
	app, srv := newTestApp(t)
	if err := app.Sessions.Save(&store.WizardSession{
		SessionID:   "sess-2",
		CurrentStep: "plating",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/sessions/sess-2")
	if err != nil {
		t.Fatal(err)
	}
	var session store.WizardSession
	decodeBody(t, resp, &session)
	if session.CurrentStep != "plating" {
		t.Errorf("current_step = %q", session.CurrentStep)
	}

	body, _ := json.Marshal(map[string]any{
		"current_step":   "validation",
		"selected_files": []string{"a.stl", "b.stl"},
	})
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/sessions/sess-2", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	patched, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if patched.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", patched.StatusCode)
	}
	decodeBody(t, patched, &session)
	if session.CurrentStep != "validation" || len(session.SelectedFiles) != 2 {
		t.Errorf("patched session = %+v", session)
	}

	stored, err := app.Sessions.Load("sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentStep != "validation" {
		t.Errorf("stored current_step = %q", stored.CurrentStep)
	}
}

func TestSessionPatchUnknown(t *testing.T) {
	_, srv := newTestApp(t)
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/sessions/ghost", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// plate preview
// ---------------------------------------------------------------------------

func savedLayoutSession(t *testing.T, app *App, id string) {
	t.Helper()
	err := app.Sessions.Save(&store.WizardSession{
		SessionID: id,
		PlatingInfo: map[string]any{
			"enabled": true,
			"layout": map[string]any{
				"bed":       map[string]any{"width": 220.0, "height": 220.0},
				"algorithm": "bin-packing",
				"placements": []any{
					map[string]any{"name": "a.stl", "x": 10.0, "y": 10.0, "width": 50.0, "height": 40.0},
				},
				"utilization": 0.25,
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPlatePreviewPNG(t *testing.T) {
	app, srv := newTestApp(t)
	savedLayoutSession(t, app, "sess-3")

	resp, err := http.Get(srv.URL + "/api/sessions/sess-3/plate-preview?format=png")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(resp.Body, magic); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(magic, []byte("\x89PNG")) {
		t.Errorf("body does not start with PNG magic: %q", magic)
	}
}

func TestPlatePreviewSVG(t *testing.T) {
	app, srv := newTestApp(t)
	savedLayoutSession(t, app, "sess-4")

	resp, err := http.Get(srv.URL + "/api/sessions/sess-4/plate-preview?format=svg")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "<svg") {
		t.Errorf("body is not SVG: %.80s", body)
	}
}

func TestPlatePreviewWithoutLayout(t *testing.T) {
	app, srv := newTestApp(t)
	if err := app.Sessions.Save(&store.WizardSession{SessionID: "sess-5"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/sessions/sess-5/plate-preview")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPlatePreviewBadFormat(t *testing.T) {
	app, srv := newTestApp(t)
	savedLayoutSession(t, app, "sess-6")

	resp, err := http.Get(srv.URL + "/api/sessions/sess-6/plate-preview?format=webp")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// fleet
// ---------------------------------------------------------------------------

func TestFleetRegistryEndpoints(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/fleet/printers", fleet.Printer{
		ID:      "p1",
		Name:    "Voron",
		Address: "http://printer-1:7125",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	listResp, err := http.Get(srv.URL + "/api/fleet/printers")
	if err != nil {
		t.Fatal(err)
	}
	var listing struct {
		Printers []fleet.Printer `json:"printers"`
		Count    int             `json:"count"`
	}
	decodeBody(t, listResp, &listing)
	if listing.Count != 1 || listing.Printers[0].Status != fleet.StatusIdle {
		t.Fatalf("listing = %+v", listing)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/fleet/printers/ghost", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = delResp.Body.Close()
	if delResp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete status = %d, want 404", delResp.StatusCode)
	}
}

func TestFleetBulkValidateAndDispatch(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/fleet/printers", fleet.Printer{
		ID: "p1", Name: "Voron", Address: "http://printer-1:7125",
	})
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/fleet/commands/validate", fleet.BulkRequest{
		Command:    fleet.CommandPause,
		PrinterIDs: []string{"p1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status = %d", resp.StatusCode)
	}
	var impact fleet.BulkImpact
	decodeBody(t, resp, &impact)
	if impact.TargetCount != 1 {
		t.Errorf("impact = %+v", impact)
	}

	resp = postJSON(t, srv.URL+"/api/fleet/commands", fleet.BulkRequest{
		Command:    fleet.CommandHomeXYZ,
		PrinterIDs: []string{"p1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d", resp.StatusCode)
	}
	var dispatched struct {
		Results []fleet.BulkResult `json:"results"`
	}
	decodeBody(t, resp, &dispatched)
	if len(dispatched.Results) != 1 || !dispatched.Results[0].Success {
		t.Errorf("results = %+v", dispatched.Results)
	}

	resp = postJSON(t, srv.URL+"/api/fleet/commands", map[string]string{"command": "make_tea"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown command status = %d, want 400", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// decodePlateLayout
// ---------------------------------------------------------------------------

func TestDecodePlateLayout(t *testing.T) {
	if got := decodePlateLayout(&store.WizardSession{}); got != nil {
		t.Errorf("nil plating info: got %+v", got)
	}
	if got := decodePlateLayout(&store.WizardSession{
		PlatingInfo: map[string]any{"enabled": true},
	}); got != nil {
		t.Errorf("missing layout: got %+v", got)
	}
	got := decodePlateLayout(&store.WizardSession{
		PlatingInfo: map[string]any{
			"layout": map[string]any{
				"bed":         map[string]any{"width": 200.0, "height": 200.0},
				"algorithm":   "grid",
				"utilization": 0.5,
			},
		},
	})
	if got == nil || got.Algorithm != "grid" || got.Bed.Width != 200 {
		t.Errorf("layout = %+v", got)
	}
}
