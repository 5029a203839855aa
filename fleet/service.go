package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// refreshBatchSize is how many printers are polled concurrently.
	refreshBatchSize = 5

	// refreshBatchCeiling is the wall-clock budget for one batch.
	refreshBatchCeiling = 15 * time.Second

	// restartFirmwareWarnLimit triggers a bulk warning above this many
	// targets.
	restartFirmwareWarnLimit = 5
)

// ErrUnknownPrinter is returned for lookups of unregistered ids.
var ErrUnknownPrinter = errors.New("unknown printer")

// PrinterAPI is the slice of the Moonraker client the service needs.
// *Client satisfies it.
type PrinterAPI interface {
	Info(ctx context.Context) (*PrinterInfo, error)
	Temperatures(ctx context.Context) (*Temperatures, error)
	Command(ctx context.Context, kind CommandKind) error
}

// Service is the printer registry. All reads return deep copies; the
// registry file on disk never contains realtime data.
type Service struct {
	mu       sync.RWMutex
	printers map[string]*Printer

	path      string
	newClient func(address string) PrinterAPI

	clientMu sync.Mutex
	clients  map[string]PrinterAPI
}

// NewService loads the registry file if it exists. path may be empty for
// a purely in-memory registry (tests).
func NewService(path string) (*Service, error) {
	s := &Service{
		printers:  make(map[string]*Printer),
		path:      path,
		clients:   make(map[string]PrinterAPI),
		newClient: func(address string) PrinterAPI { return NewClient(address) },
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading printer registry: %w", err)
	}
	var stored map[string]*Printer
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing printer registry: %w", err)
	}
	for id, p := range stored {
		p.ID = id
		p.RealtimeData = nil
		if p.Status == "" {
			p.Status = StatusOffline
		}
		s.printers[id] = p
	}
	return s, nil
}

// SetClientFactory replaces how per-printer clients are built (tests).
func (s *Service) SetClientFactory(fn func(address string) PrinterAPI) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.newClient = fn
	s.clients = make(map[string]PrinterAPI)
}

func (s *Service) client(address string) PrinterAPI {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if c, ok := s.clients[address]; ok {
		return c
	}
	c := s.newClient(address)
	s.clients[address] = c
	return c
}

// Add registers or replaces a printer and persists the registry.
func (s *Service) Add(p Printer) error {
	if p.ID == "" {
		return fmt.Errorf("printer id is required")
	}
	if p.Address == "" {
		return fmt.Errorf("printer %s: address is required", p.ID)
	}
	if p.Status == "" {
		p.Status = StatusOffline
	}

	s.mu.Lock()
	s.printers[p.ID] = p.clone()
	s.mu.Unlock()
	return s.persist()
}

// Remove drops a printer from the registry.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	_, ok := s.printers[id]
	delete(s.printers, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrinter, id)
	}
	return s.persist()
}

// Get returns a snapshot of one printer.
func (s *Service) Get(id string) (*Printer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.printers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrinter, id)
	}
	return p.clone(), nil
}

// Count returns the number of registered printers.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.printers)
}

// List refreshes every printer and returns snapshots sorted by id.
// Refreshes fan out in batches of refreshBatchSize, each batch bounded by
// refreshBatchCeiling; hosts that miss the ceiling are marked timeout.
func (s *Service) List(ctx context.Context) ([]Printer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.printers))
	for id := range s.printers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for start := 0; start < len(ids); start += refreshBatchSize {
		end := start + refreshBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batchCtx, cancel := context.WithTimeout(ctx, refreshBatchCeiling)
		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.refreshOne(batchCtx, id)
			}(id)
		}
		wg.Wait()
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Printer, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.printers[id]; ok {
			out = append(out, *p.clone())
		}
	}
	return out, nil
}

// refreshOne polls a single host and updates its status and realtime
// data in place. Failures never propagate; they are encoded as status.
func (s *Service) refreshOne(ctx context.Context, id string) {
	s.mu.RLock()
	p, ok := s.printers[id]
	if !ok {
		s.mu.RUnlock()
		return
	}
	address := p.Address
	s.mu.RUnlock()

	api := s.client(address)

	info, err := api.Info(ctx)
	if err != nil {
		s.setUnhealthy(id, classifyFailure(err))
		return
	}
	temps, err := api.Temperatures(ctx)
	if err != nil {
		s.setUnhealthy(id, classifyFailure(err))
		return
	}

	realtime := map[string]any{
		"extruder_temp":   temps.Extruder,
		"extruder_target": temps.ExtruderTarget,
		"bed_temp":        temps.Bed,
		"bed_target":      temps.BedTarget,
		"state_message":   info.StateMessage,
		"updated_at":      time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.printers[id]; ok {
		p.Status = statusFromState(info.State)
		p.RealtimeData = realtime
	}
}

func (s *Service) setUnhealthy(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.printers[id]; ok {
		p.Status = status
		p.RealtimeData = map[string]any{}
	}
}

// statusFromState maps Klipper states onto fleet statuses.
func statusFromState(state string) string {
	switch state {
	case "ready":
		return StatusIdle
	case "printing":
		return StatusPrinting
	case "paused":
		return StatusPaused
	case "startup":
		return StatusOffline
	case "error", "shutdown":
		return StatusError
	default:
		return StatusIdle
	}
}

// classifyFailure buckets a refresh error into a printer status.
func classifyFailure(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusUnreachable
	}
	return StatusError
}

// ---------------------------------------------------------------------------
// Bulk commands
// ---------------------------------------------------------------------------

// BulkFilter selects printers by current status and/or capability tag.
type BulkFilter struct {
	Status     string `json:"status,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// BulkRequest names a command and either an explicit id set or a filter.
type BulkRequest struct {
	Command    CommandKind `json:"command"`
	PrinterIDs []string    `json:"printer_ids,omitempty"`
	Filter     *BulkFilter `json:"filter,omitempty"`
}

// BulkResult is one per-host outcome.
type BulkResult struct {
	PrinterID string `json:"printer_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BulkImpact is the dry-run analysis of a bulk command.
type BulkImpact struct {
	Command     CommandKind    `json:"command"`
	TargetCount int            `json:"target_count"`
	ByStatus    map[string]int `json:"by_status"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// selectTargets resolves a bulk request to printer snapshots, explicit
// ids first, filter otherwise.
func (s *Service) selectTargets(req BulkRequest) []*Printer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []*Printer
	if len(req.PrinterIDs) > 0 {
		for _, id := range req.PrinterIDs {
			if p, ok := s.printers[id]; ok {
				targets = append(targets, p.clone())
			}
		}
		return targets
	}
	for _, p := range s.printers {
		if req.Filter != nil {
			if req.Filter.Status != "" && p.Status != req.Filter.Status {
				continue
			}
			if req.Filter.Capability != "" && !p.HasCapability(req.Filter.Capability) {
				continue
			}
		}
		targets = append(targets, p.clone())
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

// BulkCommand dispatches the command to every selected printer in
// parallel and reports per-host outcomes.
func (s *Service) BulkCommand(ctx context.Context, req BulkRequest) ([]BulkResult, error) {
	if _, ok := req.Command.Script(); !ok {
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
	targets := s.selectTargets(req)

	results := make([]BulkResult, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p *Printer) {
			defer wg.Done()
			err := s.client(p.Address).Command(ctx, req.Command)
			if err != nil {
				results[i] = BulkResult{PrinterID: p.ID, Error: err.Error()}
				log.Printf("[FLEET] bulk %s on %s failed: %v", req.Command, p.ID, err)
				return
			}
			results[i] = BulkResult{PrinterID: p.ID, Success: true}
		}(i, p)
	}
	wg.Wait()
	return results, nil
}

// ValidateBulkCommand performs the same selection as BulkCommand without
// dispatching anything and returns an impact analysis.
func (s *Service) ValidateBulkCommand(req BulkRequest) (*BulkImpact, error) {
	if _, ok := req.Command.Script(); !ok {
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
	targets := s.selectTargets(req)

	impact := &BulkImpact{
		Command:     req.Command,
		TargetCount: len(targets),
		ByStatus:    make(map[string]int),
	}
	printing := 0
	for _, p := range targets {
		impact.ByStatus[p.Status]++
		if p.Status == StatusPrinting {
			printing++
		}
	}
	if req.Command == CommandRestartFirmware && len(targets) > restartFirmwareWarnLimit {
		impact.Warnings = append(impact.Warnings,
			fmt.Sprintf("restart_firmware targets %d printers at once", len(targets)))
	}
	if req.Command.Destructive() && printing > 0 {
		impact.Warnings = append(impact.Warnings,
			fmt.Sprintf("%s would interrupt %d active print(s)", req.Command, printing))
	}
	return impact, nil
}

// persist writes the registry file, excluding realtime data, with a
// temp-file rename so readers never see a partial file.
func (s *Service) persist() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	stored := make(map[string]*Printer, len(s.printers))
	for id, p := range s.printers {
		c := p.clone()
		c.RealtimeData = nil
		stored[id] = c
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding printer registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing printer registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing printer registry: %w", err)
	}
	return nil
}
