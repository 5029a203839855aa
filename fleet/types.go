// Package fleet manages the printer farm: a persisted registry of
// printers, per-printer Moonraker-shaped HTTP clients, bulk commands, and
// the realtime monitor that feeds the WebSocket hub.
package fleet

// Printer status values. unreachable/timeout/error describe the last
// refresh attempt rather than the machine itself.
const (
	StatusIdle        = "idle"
	StatusPrinting    = "printing"
	StatusPaused      = "paused"
	StatusError       = "error"
	StatusOffline     = "offline"
	StatusUnreachable = "unreachable"
	StatusTimeout     = "timeout"
)

// Printer is one registered machine. RealtimeData holds the last observed
// temperatures and job telemetry; it is never persisted.
type Printer struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Model        string         `json:"model,omitempty"`
	Address      string         `json:"address"`
	Status       string         `json:"status"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Location     string         `json:"location,omitempty"`
	RealtimeData map[string]any `json:"realtime_data,omitempty"`
}

func (p *Printer) clone() *Printer {
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	if p.RealtimeData != nil {
		out.RealtimeData = make(map[string]any, len(p.RealtimeData))
		for k, v := range p.RealtimeData {
			out.RealtimeData[k] = v
		}
	}
	return &out
}

// HasCapability reports whether the printer advertises the given tag.
func (p *Printer) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Temperatures is the reduced heater snapshot used for change detection
// and broadcasts.
type Temperatures struct {
	Extruder       float64 `json:"extruder_temp"`
	ExtruderTarget float64 `json:"extruder_target"`
	Bed            float64 `json:"bed_temp"`
	BedTarget      float64 `json:"bed_target"`
}

// PrinterInfo is the controller's identity report.
type PrinterInfo struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

// CommandKind names a farm-level printer command.
type CommandKind string

const (
	CommandHomeX           CommandKind = "homeX"
	CommandHomeY           CommandKind = "homeY"
	CommandHomeZ           CommandKind = "homeZ"
	CommandHomeXYZ         CommandKind = "homeXYZ"
	CommandPause           CommandKind = "pause"
	CommandResume          CommandKind = "resume"
	CommandCancel          CommandKind = "cancel"
	CommandRestartKlipper  CommandKind = "restart_klipper"
	CommandRestartFirmware CommandKind = "restart_firmware"
)

var commandScripts = map[CommandKind]string{
	CommandHomeX:           "G28 X",
	CommandHomeY:           "G28 Y",
	CommandHomeZ:           "G28 Z",
	CommandHomeXYZ:         "G28",
	CommandPause:           "PAUSE",
	CommandResume:          "RESUME",
	CommandCancel:          "CANCEL_PRINT",
	CommandRestartKlipper:  "RESTART",
	CommandRestartFirmware: "FIRMWARE_RESTART",
}

// Script returns the G-code script dispatched for the command, or false
// for an unknown kind.
func (k CommandKind) Script() (string, bool) {
	s, ok := commandScripts[k]
	return s, ok
}

// Destructive reports whether running the command against a printing host
// would interrupt the job.
func (k CommandKind) Destructive() bool {
	switch k {
	case CommandPause, CommandCancel, CommandRestartKlipper, CommandRestartFirmware:
		return true
	}
	return false
}
