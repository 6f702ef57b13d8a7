// Package sshcred bootstraps a printer over SSH: it reads the MQTT account
// and device identity from the firmware's config files, and drives the
// on-device LAN-mode API through an SSH tunnel.
package sshcred

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"acproxycam/logging"
)

const defaultTimeout = 10 * time.Second

// Firmware config files on the Kobra-family "gk" application. The account
// file carries the local MQTT login and the cloud device identity; api.cfg
// carries the model id used in MQTT topic paths.
const (
	accountFile = "/userdata/app/gk/config/device_account.json"
	apiFile     = "/userdata/app/gk/config/api.cfg"
)

// Config carries the SSH coordinates for one printer.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Printer  string
	Timeout  time.Duration
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// Credentials is everything RetrieveCredentials pulls off the printer.
type Credentials struct {
	MqttUser     string
	MqttPassword string
	DeviceID     string
	DeviceType   string
	ModelCode    string
}

// PrinterInfo is the identity subset, used for the swap check.
type PrinterInfo struct {
	DeviceID   string
	DeviceType string
	ModelCode  string
}

// runner executes one remote command. Split out so tests can fake the
// printer filesystem without an SSH server.
type runner interface {
	output(cmd string) ([]byte, error)
}

type sshRunner struct {
	client *ssh.Client
}

func (r sshRunner) output(cmd string) ([]byte, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()
	return sess.Output(cmd)
}

// Service opens short-lived SSH sessions against one printer.
type Service struct {
	cfg Config
	log zerolog.Logger

	dial func(ctx context.Context) (runner, func(), error)
}

// New builds a Service for the given printer.
func New(cfg Config) *Service {
	s := &Service{
		cfg: cfg,
		log: logging.WithPrinter("ssh", cfg.Printer),
	}
	s.dial = s.dialSSH
	return s
}

func (s *Service) dialSSH(ctx context.Context) (runner, func(), error) {
	client, closeFn, err := dialClient(ctx, s.cfg)
	if err != nil {
		return nil, nil, err
	}
	return sshRunner{client: client}, closeFn, nil
}

// dialClient opens the SSH connection. SSH channels carry no deadlines, so a
// goroutine tears the connection down if ctx expires mid-exchange.
func dialClient(ctx context.Context, cfg Config) (*ssh.Client, func(), error) {
	sshCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.Password(cfg.Password)},
		// Printers regenerate host keys on factory reset.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.timeout(),
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh %s: %w", addr, err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	return client, func() { close(done); client.Close() }, nil
}

// flexString accepts both "20021" and 20021; firmware files are not
// consistent about quoting numeric ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type accountFileData struct {
	Username       string     `json:"username"`
	Password       string     `json:"password"`
	DeviceUnionID  flexString `json:"deviceUnionId"`
	DeviceTypeName string     `json:"deviceTypeName"`
}

type apiFileData struct {
	ModelID flexString `json:"modelId"`
}

func readJSONFile(run runner, path string, v any) error {
	out, err := run.output("cat " + path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// RetrieveCredentials reads the MQTT login and device identity off the
// printer. The model code is best effort; the MQTT layer can detect it from
// report topics when api.cfg is absent.
func (s *Service) RetrieveCredentials(ctx context.Context) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout())
	defer cancel()

	run, closeFn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var acct accountFileData
	if err := readJSONFile(run, accountFile, &acct); err != nil {
		return nil, fmt.Errorf("device account: %w", err)
	}
	if acct.Username == "" || acct.Password == "" {
		return nil, fmt.Errorf("device account %s is missing the MQTT login", accountFile)
	}
	if acct.DeviceUnionID == "" {
		return nil, fmt.Errorf("device account %s carries no device id", accountFile)
	}

	creds := &Credentials{
		MqttUser:     acct.Username,
		MqttPassword: acct.Password,
		DeviceID:     string(acct.DeviceUnionID),
		DeviceType:   acct.DeviceTypeName,
	}

	var api apiFileData
	if err := readJSONFile(run, apiFile, &api); err != nil {
		s.log.Debug().Err(err).Msg("api.cfg unreadable, model code left to mqtt detection")
	} else {
		creds.ModelCode = string(api.ModelID)
	}

	s.log.Info().
		Str("deviceId", creds.DeviceID).
		Str("modelCode", creds.ModelCode).
		Msg("credentials retrieved")
	return creds, nil
}

// RetrievePrinterInfo reads only the device identity, for comparing against
// cached values without touching the stored login.
func (s *Service) RetrievePrinterInfo(ctx context.Context) (*PrinterInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout())
	defer cancel()

	run, closeFn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var acct accountFileData
	if err := readJSONFile(run, accountFile, &acct); err != nil {
		return nil, fmt.Errorf("device account: %w", err)
	}
	if acct.DeviceUnionID == "" {
		return nil, fmt.Errorf("device account %s carries no device id", accountFile)
	}

	info := &PrinterInfo{
		DeviceID:   string(acct.DeviceUnionID),
		DeviceType: acct.DeviceTypeName,
	}
	var api apiFileData
	if err := readJSONFile(run, apiFile, &api); err == nil {
		info.ModelCode = string(api.ModelID)
	}
	return info, nil
}
