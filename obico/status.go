package obico

import (
	"encoding/json"
	"sync"
	"time"
)

// Klipper object shapes, as delivered by printer.objects.subscribe and the
// notify_status_update stream. Partial updates only carry changed fields, so
// every update is merged into the previous value.

type printStats struct {
	State         string  `json:"state"`
	Filename      string  `json:"filename"`
	TotalDuration float64 `json:"total_duration"`
	PrintDuration float64 `json:"print_duration"`
	Message       string  `json:"message"`
	Info          struct {
		TotalLayer   *int `json:"total_layer"`
		CurrentLayer *int `json:"current_layer"`
	} `json:"info"`
}

type virtualSDCard struct {
	Progress     float64 `json:"progress"`
	FilePosition int64   `json:"file_position"`
	IsActive     bool    `json:"is_active"`
}

type heater struct {
	Temperature float64 `json:"temperature"`
	Target      float64 `json:"target"`
}

type displayStatus struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

type toolhead struct {
	Position     []float64 `json:"position"`
	HomedAxes    string    `json:"homed_axes"`
	MaxVelocity  float64   `json:"max_velocity"`
	PrintTime    float64   `json:"print_time"`
	EstimateTime float64   `json:"estimated_print_time"`
}

type gcodeMove struct {
	GcodePosition []float64 `json:"gcode_position"`
	SpeedFactor   float64   `json:"speed_factor"`
	ExtrudeFactor float64   `json:"extrude_factor"`
}

type webhooks struct {
	State        string `json:"state"`
	StateMessage string `json:"state_message"`
}

// klippyStatus is the merged view of every subscribed object.
type klippyStatus struct {
	Webhooks      webhooks
	PrintStats    printStats
	VirtualSD     virtualSDCard
	Extruder      heater
	HeaterBed     heater
	Display       displayStatus
	Toolhead      toolhead
	GcodeMove     gcodeMove
	KlippyReady   bool
	LastEventTime float64
}

// tracker merges Klipper status updates and answers translated snapshots.
type tracker struct {
	mu sync.Mutex
	ks klippyStatus
}

func newTracker() *tracker {
	return &tracker{}
}

// reset replaces all tracked state, used after (re)subscribing.
func (t *tracker) reset(objects map[string]json.RawMessage, eventtime float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ks = klippyStatus{KlippyReady: true}
	t.applyLocked(objects, eventtime)
}

// apply merges one notify_status_update payload.
func (t *tracker) apply(objects map[string]json.RawMessage, eventtime float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(objects, eventtime)
}

func (t *tracker) applyLocked(objects map[string]json.RawMessage, eventtime float64) {
	if eventtime > 0 {
		t.ks.LastEventTime = eventtime
	}
	for name, raw := range objects {
		switch name {
		case "webhooks":
			json.Unmarshal(raw, &t.ks.Webhooks)
		case "print_stats":
			json.Unmarshal(raw, &t.ks.PrintStats)
		case "virtual_sdcard":
			json.Unmarshal(raw, &t.ks.VirtualSD)
		case "extruder":
			json.Unmarshal(raw, &t.ks.Extruder)
		case "heater_bed":
			json.Unmarshal(raw, &t.ks.HeaterBed)
		case "display_status":
			json.Unmarshal(raw, &t.ks.Display)
		case "toolhead":
			json.Unmarshal(raw, &t.ks.Toolhead)
		case "gcode_move":
			json.Unmarshal(raw, &t.ks.GcodeMove)
		}
	}
}

// setKlippyReady flips on notify_klippy_ready / _shutdown / _disconnected.
func (t *tracker) setKlippyReady(ready bool) {
	t.mu.Lock()
	t.ks.KlippyReady = ready
	t.mu.Unlock()
}

// snapshot returns a copy for lock-free reads.
func (t *tracker) snapshot() klippyStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ks
}

// OctoPrint-flavored wire types. The Obico server consumes OctoPrint's
// state/progress/job shapes regardless of the agent's actual firmware.

// OctoFlags is OctoPrint's printer state flag set.
type OctoFlags struct {
	Operational   bool `json:"operational"`
	Printing      bool `json:"printing"`
	Cancelling    bool `json:"cancelling"`
	Pausing       bool `json:"pausing"`
	Paused        bool `json:"paused"`
	Error         bool `json:"error"`
	Ready         bool `json:"ready"`
	ClosedOrError bool `json:"closedOrError"`
}

// OctoPrinterState is the state block of an OctoPrint status report.
type OctoPrinterState struct {
	Text  string    `json:"text"`
	Flags OctoFlags `json:"flags"`
	Error string    `json:"error,omitempty"`
}

// TempEntry is one heater's reading.
type TempEntry struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
	Offset float64 `json:"offset"`
}

// OctoTemps carries hotend and bed readings.
type OctoTemps struct {
	Tool0 *TempEntry `json:"tool0,omitempty"`
	Bed   *TempEntry `json:"bed,omitempty"`
}

// OctoProgress is OctoPrint's progress block.
type OctoProgress struct {
	Completion    float64 `json:"completion"`
	FilePos       int64   `json:"filepos"`
	PrintTime     float64 `json:"printTime"`
	PrintTimeLeft float64 `json:"printTimeLeft"`
}

// OctoFile names the file of the current job.
type OctoFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Origin string `json:"origin"`
}

// OctoJob is OctoPrint's job block.
type OctoJob struct {
	File OctoFile `json:"file"`
}

// OctoPrintData is the octoprint_data body of a status report.
type OctoPrintData struct {
	State        OctoPrinterState `json:"state"`
	Temperatures OctoTemps        `json:"temperatures"`
	Progress     OctoProgress     `json:"progress"`
	Job          OctoJob          `json:"job"`
	CurrentLayer *int             `json:"currentLayerHeight,omitempty"`
	TotalLayers  *int             `json:"totalLayerCount,omitempty"`
}

// StatusBody is the inner status object of a report.
type StatusBody struct {
	Timestamp      int64          `json:"_ts"`
	CurrentPrintTS int64          `json:"current_print_ts"`
	OctoPrint      *OctoPrintData `json:"octoprint_data,omitempty"`
}

// StatusReport is one WebSocket status push to the Obico server.
type StatusReport struct {
	Status StatusBody `json:"status"`
}

// isActiveState reports whether Klipper considers a print in flight.
func isActiveState(state string) bool {
	return state == "printing" || state == "paused"
}

// translate converts merged Klipper state into OctoPrint shapes. offline
// marks the printer unreachable (Moonraker down).
func translate(ks klippyStatus, offline bool) *OctoPrintData {
	data := &OctoPrintData{}
	if offline || !ks.KlippyReady || ks.Webhooks.State == "shutdown" || ks.Webhooks.State == "error" {
		data.State = OctoPrinterState{
			Text:  "Offline",
			Flags: OctoFlags{ClosedOrError: true, Error: ks.Webhooks.State == "error" || ks.Webhooks.State == "shutdown"},
			Error: ks.Webhooks.StateMessage,
		}
		return data
	}

	switch ks.PrintStats.State {
	case "printing":
		data.State = OctoPrinterState{Text: "Printing", Flags: OctoFlags{Operational: true, Printing: true}}
	case "paused":
		data.State = OctoPrinterState{Text: "Paused", Flags: OctoFlags{Operational: true, Paused: true}}
	case "error":
		data.State = OctoPrinterState{
			Text:  "Error",
			Flags: OctoFlags{Operational: true, Error: true, ClosedOrError: true},
			Error: ks.PrintStats.Message,
		}
	default: // standby, complete, cancelled
		data.State = OctoPrinterState{Text: "Operational", Flags: OctoFlags{Operational: true, Ready: true}}
	}

	data.Temperatures = OctoTemps{
		Tool0: &TempEntry{Actual: ks.Extruder.Temperature, Target: ks.Extruder.Target},
		Bed:   &TempEntry{Actual: ks.HeaterBed.Temperature, Target: ks.HeaterBed.Target},
	}

	if isActiveState(ks.PrintStats.State) {
		completion := ks.VirtualSD.Progress
		if ks.Display.Progress > 0 {
			completion = ks.Display.Progress
		}
		printTime := ks.PrintStats.PrintDuration
		var left float64
		if completion > 0.001 {
			left = printTime/completion - printTime
		}
		data.Progress = OctoProgress{
			Completion:    completion * 100,
			FilePos:       ks.VirtualSD.FilePosition,
			PrintTime:     printTime,
			PrintTimeLeft: left,
		}
		data.Job = OctoJob{File: OctoFile{
			Name:   ks.PrintStats.Filename,
			Path:   ks.PrintStats.Filename,
			Origin: "local",
		}}
		data.CurrentLayer = ks.PrintStats.Info.CurrentLayer
		data.TotalLayers = ks.PrintStats.Info.TotalLayer
	}
	return data
}

// Print lifecycle events reported to /api/v1/octo/printer_events/.
const (
	EventPrintStarted   = "PrintStarted"
	EventPrintDone      = "PrintDone"
	EventPrintCancelled = "PrintCancelled"
	EventPrintPaused    = "PrintPaused"
	EventPrintResumed   = "PrintResumed"
	EventPrintFailed    = "PrintFailed"
)

// detectEvent maps a print_stats.state transition to a lifecycle event, or
// "" when the transition is not reportable.
func detectEvent(prev, cur string) string {
	if prev == cur {
		return ""
	}
	switch cur {
	case "printing":
		if prev == "paused" {
			return EventPrintResumed
		}
		return EventPrintStarted
	case "paused":
		if prev == "printing" {
			return EventPrintPaused
		}
	case "complete":
		if isActiveState(prev) {
			return EventPrintDone
		}
	case "cancelled":
		if isActiveState(prev) {
			return EventPrintCancelled
		}
	case "error":
		if isActiveState(prev) {
			return EventPrintFailed
		}
	case "standby":
		// Cancelled prints on some Klipper builds land directly in standby.
		if isActiveState(prev) {
			return EventPrintCancelled
		}
	}
	return ""
}

// buildReport assembles a full status report.
func buildReport(ks klippyStatus, offline bool, currentPrintTS int64, now time.Time) *StatusReport {
	return &StatusReport{Status: StatusBody{
		Timestamp:      now.Unix(),
		CurrentPrintTS: currentPrintTS,
		OctoPrint:      translate(ks, offline),
	}}
}
