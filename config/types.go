// Package config defines the daemon's persistent configuration document and
// the store that reads and writes it with credentials encrypted at rest.
package config

import (
	"fmt"
	"reflect"
	"strings"
)

// Obico stream modes.
const (
	StreamModeMJPEG = "mjpeg"
	StreamModeH264  = "h264"
)

// CurrentVersion is written into new config documents.
const CurrentVersion = 1

// Config is the root config document: daemon-wide settings plus an ordered
// list of printers.
type Config struct {
	Version          int              `json:"version"`
	ListenInterfaces []string         `json:"listenInterfaces"`
	IpcSocketPath    string           `json:"ipcSocketPath,omitempty"`
	MetricsAddr      string           `json:"metricsAddr,omitempty"`
	LogLevel         string           `json:"logLevel,omitempty"`
	LogFile          string           `json:"logFile,omitempty"`
	LogMaxSizeMB     int              `json:"logMaxSizeMB,omitempty"`
	LogMaxBackups    int              `json:"logMaxBackups,omitempty"`
	Printers         []*PrinterConfig `json:"printers"`
}

// PrinterConfig describes one printer. The three credential fields are
// stored on disk with an "encrypted:" prefix; in memory they are plaintext.
type PrinterConfig struct {
	Name string `json:"name"`
	IP   string `json:"ip"`

	MjpegPort int `json:"mjpegPort"`
	SshPort   int `json:"sshPort"`
	MqttPort  int `json:"mqttPort"`

	SshUser      string `json:"sshUser"`
	SshPassword  string `json:"sshPassword"`
	MqttUser     string `json:"mqttUser,omitempty"`
	MqttPassword string `json:"mqttPassword,omitempty"`

	// Discovered over SSH and cached across restarts.
	DeviceID   string `json:"deviceId,omitempty"`
	ModelCode  string `json:"modelCode,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`

	MaxFps      int `json:"maxFps"`
	IdleFps     int `json:"idleFps"`
	JpegQuality int `json:"jpegQuality"`

	CameraEnabled            bool `json:"cameraEnabled"`
	SendStopCommand          bool `json:"sendStopCommand"`
	AutoLanMode              bool `json:"autoLanMode"`
	LedAutoControl           bool `json:"ledAutoControl"`
	StandbyLedTimeoutMinutes int  `json:"standbyLedTimeoutMinutes"`
	CameraKeepaliveSeconds   int  `json:"cameraKeepaliveSeconds"`
	LlHlsEnabled             bool `json:"llHlsEnabled"`
	HlsPartDurationMs        int  `json:"hlsPartDurationMs"`

	Obico *ObicoConfig `json:"obico,omitempty"`
}

// ObicoConfig enables the Obico bridge for a printer.
type ObicoConfig struct {
	Enabled          bool   `json:"enabled"`
	ServerURL        string `json:"serverUrl"`
	AuthToken        string `json:"authToken,omitempty"`
	DeviceSecret     string `json:"deviceSecret,omitempty"`
	ObicoDeviceID    string `json:"obicoDeviceId,omitempty"`
	ObicoPrinterID   int    `json:"obicoPrinterId,omitempty"`
	IsPro            bool   `json:"isPro"`
	StreamMode       string `json:"streamMode"`
	JanusServer      string `json:"janusServer,omitempty"`
	SnapshotsEnabled bool   `json:"snapshotsEnabled"`
}

// NewDefault returns an empty config document with current defaults.
func NewDefault() *Config {
	return &Config{
		Version:          CurrentVersion,
		ListenInterfaces: []string{"0.0.0.0"},
		Printers:         []*PrinterConfig{},
	}
}

// ApplyDefaults fills zero-valued knobs of a freshly added or loaded printer.
func (p *PrinterConfig) ApplyDefaults() {
	if p.SshPort == 0 {
		p.SshPort = 22
	}
	if p.MqttPort == 0 {
		p.MqttPort = 9883
	}
	if p.SshUser == "" {
		p.SshUser = "root"
	}
	if p.MaxFps == 0 {
		p.MaxFps = 15
	}
	if p.IdleFps == 0 {
		p.IdleFps = 5
	}
	if p.JpegQuality == 0 {
		p.JpegQuality = 80
	}
	if p.StandbyLedTimeoutMinutes == 0 {
		p.StandbyLedTimeoutMinutes = 10
	}
	if p.CameraKeepaliveSeconds == 0 {
		p.CameraKeepaliveSeconds = 50
	}
	if p.HlsPartDurationMs == 0 {
		p.HlsPartDurationMs = 500
	}
	if p.Obico != nil && p.Obico.StreamMode == "" {
		p.Obico.StreamMode = StreamModeMJPEG
	}
}

// Validate checks the fields that must hold before a printer is accepted.
func (p *PrinterConfig) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("printer name is required")
	}
	if strings.TrimSpace(p.IP) == "" {
		return fmt.Errorf("printer IP is required")
	}
	if p.MjpegPort < 1 || p.MjpegPort > 65535 {
		return fmt.Errorf("MJPEG port %d is out of range", p.MjpegPort)
	}
	if p.Obico != nil && p.Obico.Enabled {
		if p.Obico.ServerURL == "" {
			return fmt.Errorf("obico server URL is required when obico is enabled")
		}
		switch p.Obico.StreamMode {
		case "", StreamModeMJPEG, StreamModeH264:
		default:
			return fmt.Errorf("unknown obico stream mode %q", p.Obico.StreamMode)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *PrinterConfig) Clone() *PrinterConfig {
	c := *p
	if p.Obico != nil {
		o := *p.Obico
		c.Obico = &o
	}
	return &c
}

// Clone returns a deep copy of the document.
func (c *Config) Clone() *Config {
	out := *c
	out.ListenInterfaces = append([]string(nil), c.ListenInterfaces...)
	out.Printers = make([]*PrinterConfig, len(c.Printers))
	for i, p := range c.Printers {
		out.Printers[i] = p.Clone()
	}
	return &out
}

// Printer returns the entry with the given name, or nil.
func (c *Config) Printer(name string) *PrinterConfig {
	for _, p := range c.Printers {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Equal reports whether two printer configs match field for field. The
// registry restarts a worker on reload only when its config changed.
func (p *PrinterConfig) Equal(other *PrinterConfig) bool {
	return reflect.DeepEqual(p, other)
}

// MaskSecrets returns a copy with credential fields replaced by a
// placeholder, for IPC responses.
func (p *PrinterConfig) MaskSecrets() *PrinterConfig {
	c := p.Clone()
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.SshPassword = mask(c.SshPassword)
	c.MqttUser = mask(c.MqttUser)
	c.MqttPassword = mask(c.MqttPassword)
	if c.Obico != nil {
		c.Obico.AuthToken = mask(c.Obico.AuthToken)
		c.Obico.DeviceSecret = mask(c.Obico.DeviceSecret)
	}
	return c
}
