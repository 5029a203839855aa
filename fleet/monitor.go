package fleet

import (
	"context"
	"log"
	"math"
	"time"
)

const (
	// DefaultUpdateInterval is the monitor tick period.
	DefaultUpdateInterval = 5 * time.Second

	// monitorListTimeout bounds one full fleet refresh.
	monitorListTimeout = 10 * time.Second

	// monitorPrinterCap limits per-tick work.
	monitorPrinterCap = 10

	// monitorYieldEvery inserts a cooperative pause after this many
	// printers.
	monitorYieldEvery = 3

	// heartbeatInterval forces a broadcast even without changes.
	heartbeatInterval = 60 * time.Second

	// tempDeltaThreshold is the minimum temperature change worth
	// broadcasting, in °C.
	tempDeltaThreshold = 1.0

	// errorBackoff is slept after maxConsecutiveErrors failures.
	errorBackoff         = 30 * time.Second
	maxConsecutiveErrors = 5
)

// Broadcaster is the hub surface the monitor needs.
type Broadcaster interface {
	ClientCount() int
	BroadcastPrinterData(printerID string, payload map[string]any)
}

// StatusSink receives the same deltas the hub does; the MQTT bridge
// implements it. May be nil.
type StatusSink interface {
	PublishStatus(printerID string, payload map[string]any) error
}

// snapshot is the reduced per-printer state used for change detection.
type snapshot struct {
	status         string
	extruder       float64
	extruderTarget float64
	bed            float64
	bedTarget      float64
}

// Monitor polls the fleet and pushes deltas to hub subscribers.
type Monitor struct {
	fleet    *Service
	hub      Broadcaster
	sink     StatusSink
	interval time.Duration

	last     map[string]snapshot
	lastSent map[string]time.Time
	errors   int
	started  bool

	stop chan struct{}
	done chan struct{}
}

// NewMonitor wires a monitor. sink may be nil. interval falls back to
// DefaultUpdateInterval when not positive.
func NewMonitor(fleet *Service, hub Broadcaster, sink StatusSink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Monitor{
		fleet:    fleet,
		hub:      hub,
		sink:     sink,
		interval: interval,
		last:     make(map[string]snapshot),
		lastSent: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	m.started = true
	go m.run()
}

// Stop signals the loop and waits for it to exit. Safe to call on a
// monitor that was never started.
func (m *Monitor) Stop() {
	close(m.stop)
	if m.started {
		<-m.done
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	log.Printf("[MONITOR] started (interval %s)", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			log.Printf("[MONITOR] stopped")
			return
		case <-ticker.C:
			if err := m.tick(); err != nil {
				m.errors++
				log.Printf("[MONITOR] Warning: tick failed (%d consecutive): %v", m.errors, err)
				if m.errors >= maxConsecutiveErrors {
					log.Printf("[MONITOR] backing off %s after repeated failures", errorBackoff)
					select {
					case <-m.stop:
						log.Printf("[MONITOR] stopped")
						return
					case <-time.After(errorBackoff):
					}
					m.errors = 0
				}
			} else {
				m.errors = 0
			}
		}
	}
}

// tick performs one poll cycle. With no connected clients the fleet is
// left alone entirely.
func (m *Monitor) tick() error {
	if m.hub.ClientCount() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), monitorListTimeout)
	defer cancel()
	printers, err := m.fleet.List(ctx)
	if err != nil {
		return err
	}

	if len(printers) > monitorPrinterCap {
		printers = printers[:monitorPrinterCap]
	}
	now := time.Now()
	for i, p := range printers {
		if i > 0 && i%monitorYieldEvery == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		current := snapshotOf(&p)
		if !m.shouldBroadcast(p.ID, current, now) {
			continue
		}
		payload := map[string]any{
			"printer_id":      p.ID,
			"name":            p.Name,
			"status":          current.status,
			"extruder_temp":   current.extruder,
			"extruder_target": current.extruderTarget,
			"bed_temp":        current.bed,
			"bed_target":      current.bedTarget,
		}
		m.hub.BroadcastPrinterData(p.ID, payload)
		if m.sink != nil {
			if err := m.sink.PublishStatus(p.ID, payload); err != nil {
				log.Printf("[MONITOR] Warning: status publish for %s failed: %v", p.ID, err)
			}
		}
		m.last[p.ID] = current
		m.lastSent[p.ID] = now
	}
	return nil
}

// shouldBroadcast applies the delta rules: first observation, status
// change, ≥1 °C temperature move, or the 60 s heartbeat.
func (m *Monitor) shouldBroadcast(id string, current snapshot, now time.Time) bool {
	prev, seen := m.last[id]
	if !seen {
		return true
	}
	if current.status != prev.status {
		return true
	}
	if math.Abs(current.extruder-prev.extruder) >= tempDeltaThreshold ||
		math.Abs(current.extruderTarget-prev.extruderTarget) >= tempDeltaThreshold ||
		math.Abs(current.bed-prev.bed) >= tempDeltaThreshold ||
		math.Abs(current.bedTarget-prev.bedTarget) >= tempDeltaThreshold {
		return true
	}
	return now.Sub(m.lastSent[id]) >= heartbeatInterval
}

func snapshotOf(p *Printer) snapshot {
	s := snapshot{status: p.Status}
	if p.RealtimeData == nil {
		return s
	}
	s.extruder = floatField(p.RealtimeData, "extruder_temp")
	s.extruderTarget = floatField(p.RealtimeData, "extruder_target")
	s.bed = floatField(p.RealtimeData, "bed_temp")
	s.bedTarget = floatField(p.RealtimeData, "bed_target")
	return s
}

func floatField(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
