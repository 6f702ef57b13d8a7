// Package mqtt speaks the printer's cloud-protocol dialect over its local
// broker: a wildcard report subscription, JSON command envelopes with msgid
// correlation, and event extraction for the supervising worker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const topicRoot = "anycubic/anycubicCloud/v1"

// Report/command categories on the device topic tree.
const (
	CategoryVideo = "video"
	CategoryLight = "light"
	CategoryPrint = "print"
	CategoryInfo  = "info"
)

// Actions used inside command and report envelopes.
const (
	ActionStartCapture = "startCapture"
	ActionStopCapture  = "stopCapture"
	ActionQuery        = "query"
	ActionControl      = "control"
	ActionStop         = "stop"
)

// ReportWildcard subscribes to every public report the printer publishes.
func ReportWildcard() string {
	return topicRoot + "/printer/public/#"
}

func reportTopic(modelCode, deviceID, category string) string {
	return fmt.Sprintf("%s/printer/public/%s/%s/%s/report", topicRoot, modelCode, deviceID, category)
}

func commandTopic(modelCode, deviceID, category string) string {
	return fmt.Sprintf("%s/web/printer/%s/%s/%s", topicRoot, modelCode, deviceID, category)
}

// parseReportTopic splits a public report topic into its identifying parts.
func parseReportTopic(topic string) (modelCode, deviceID, category string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 9 || parts[0] != "anycubic" || parts[3] != "printer" ||
		parts[4] != "public" || parts[8] != "report" {
		return "", "", "", false
	}
	return parts[5], parts[6], parts[7], true
}

// command is the envelope published on command topics.
type command struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Msgid     string `json:"msgid"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// report is the envelope the printer publishes on report topics.
type report struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Msgid     string          `json:"msgid"`
	Timestamp int64           `json:"timestamp"`
	State     string          `json:"state"`
	Code      int             `json:"code"`
	Data      json.RawMessage `json:"data"`
}

// LedState is the light category payload in wire form.
type LedState struct {
	Type       int `json:"type"`
	Status     int `json:"status"`
	Brightness int `json:"brightness"`
}

// On reports whether the light is lit.
func (l LedState) On() bool { return l.Status != 0 }

// PrinterState is the subset of print/info reports the daemon consumes.
type PrinterState struct {
	State      string  `json:"state"`
	NozzleTemp float64 `json:"curr_nozzle_temp"`
	BedTemp    float64 `json:"curr_hotbed_temp"`
	Progress   int     `json:"progress"`
	Filename   string  `json:"filename"`
}

// IsIdleState reports whether the printer state counts as idle for LED
// auto-control.
func IsIdleState(state string) bool {
	switch state {
	case "free", "standby", "ready":
		return true
	}
	return false
}
