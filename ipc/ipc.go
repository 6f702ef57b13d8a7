// Package ipc serves the management surface on a local stream socket: one
// line-delimited JSON request per connection, one JSON response back.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"acproxycam/config"
	"acproxycam/logging"
	"acproxycam/registry"
)

// maxRequestBytes caps one request line.
const maxRequestBytes = 1 << 20

// requestTimeout bounds one command end to end; worker teardown during
// ModifyPrinter is the slow case.
const requestTimeout = 60 * time.Second

// Request is one command line from a client.
type Request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the single reply line.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// DaemonStatus is the GetStatus reply shape.
type DaemonStatus struct {
	Version           string   `json:"version"`
	UptimeSeconds     float64  `json:"uptimeSeconds"`
	PrinterCount      int      `json:"printerCount"`
	ActiveStreamers   int      `json:"activeStreamers"`
	InactiveStreamers int      `json:"inactiveStreamers"`
	TotalClients      int      `json:"totalClients"`
	ListenInterfaces  []string `json:"listenInterfaces"`
	RssBytes          uint64   `json:"rssBytes,omitempty"`
	CPUPercent        float64  `json:"cpuPercent,omitempty"`
}

// LedReply is the GetLedStatus/SetLed reply shape.
type LedReply struct {
	Type       int  `json:"type"`
	IsOn       bool `json:"isOn"`
	Brightness int  `json:"brightness"`
}

// Backend executes commands; the daemon implements it.
type Backend interface {
	DaemonStatus(ctx context.Context) DaemonStatus
	ListPrinters() []registry.PrinterStatus
	PrinterDetails(name string) (registry.PrinterStatus, error)
	PrinterConfig(name string) (*config.PrinterConfig, error)
	AddPrinter(ctx context.Context, pc *config.PrinterConfig) error
	DeletePrinter(ctx context.Context, name string) error
	ModifyPrinter(ctx context.Context, originalName string, pc *config.PrinterConfig) error
	PausePrinter(ctx context.Context, name string) error
	ResumePrinter(ctx context.Context, name string) error
	LedStatus(ctx context.Context, name string) (LedReply, error)
	SetLed(ctx context.Context, name string, on bool) (LedReply, error)
	ReloadConfig(ctx context.Context) error
	ChangeInterfaces(ctx context.Context, interfaces []string) error
	StopService()
}

// Server accepts management connections on a unix stream socket.
type Server struct {
	path    string
	backend Backend
	log     zerolog.Logger

	mu      sync.Mutex
	ln      net.Listener
	wg      sync.WaitGroup
	running bool
}

// New builds a Server at path, or the default socket location when empty.
func New(path string, backend Backend) *Server {
	if path == "" {
		path = config.DefaultSocketPath()
	}
	return &Server{
		path:    path,
		backend: backend,
		log:     logging.WithComponent("ipc"),
	}
}

// Path returns the socket location.
func (s *Server) Path() string { return s.path }

// Start binds the socket and launches the accept loop. A live socket from a
// running daemon is an error; a stale file is replaced.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("ipc server already running")
	}

	if _, err := os.Stat(s.path); err == nil {
		conn, derr := net.DialTimeout("unix", s.path, time.Second)
		if derr == nil {
			conn.Close()
			return fmt.Errorf("socket %s is in use by another daemon", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind ipc socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod ipc socket: %w", err)
	}

	s.ln = ln
	s.running = true
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info().Str("path", s.path).Msg("ipc listening")
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	ln.Close()
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error().Err(err).Msg("ipc accept")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves exactly one request and closes.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		s.log.Debug().Err(err).Msg("ipc read")
		return
	}

	var req Request
	resp := Response{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		data, err := s.dispatch(ctx, &req)
		cancel()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Data = data
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("ipc marshal response")
		return
	}
	out = append(out, '\n')
	if _, err := conn.Write(out); err != nil {
		s.log.Debug().Err(err).Msg("ipc write")
	}

	// The reply must reach the client before a stop takes the daemon down.
	if req.Command == "StopService" && resp.OK {
		s.backend.StopService()
	}
}

// readLine reads one newline-terminated request, bounded by maxRequestBytes.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxRequestBytes {
			return nil, fmt.Errorf("request too large")
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

type nameArg struct {
	Name string `json:"name"`
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Command {
	case "GetStatus":
		return s.backend.DaemonStatus(ctx), nil

	case "ListPrinters":
		return s.backend.ListPrinters(), nil

	case "GetPrinterDetails":
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return s.backend.PrinterDetails(name)

	case "GetPrinterConfig":
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return s.backend.PrinterConfig(name)

	case "AddPrinter":
		var pc config.PrinterConfig
		if err := decode(req.Data, &pc); err != nil {
			return nil, err
		}
		return nil, s.backend.AddPrinter(ctx, &pc)

	case "DeletePrinter":
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.backend.DeletePrinter(ctx, name)

	case "ModifyPrinter":
		var args struct {
			OriginalName string                `json:"originalName"`
			Config       *config.PrinterConfig `json:"config"`
		}
		if err := decode(req.Data, &args); err != nil {
			return nil, err
		}
		if args.OriginalName == "" || args.Config == nil {
			return nil, fmt.Errorf("originalName and config are required")
		}
		return nil, s.backend.ModifyPrinter(ctx, args.OriginalName, args.Config)

	case "PausePrinter":
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.backend.PausePrinter(ctx, name)

	case "ResumePrinter":
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.backend.ResumePrinter(ctx, name)

	case "GetLedStatus":
		name, err := decodeName(req.Data)
		if err != nil {
			return nil, err
		}
		return s.backend.LedStatus(ctx, name)

	case "SetLed":
		var args struct {
			Name string `json:"name"`
			On   bool   `json:"on"`
		}
		if err := decode(req.Data, &args); err != nil {
			return nil, err
		}
		if args.Name == "" {
			return nil, fmt.Errorf("printer name is required")
		}
		return s.backend.SetLed(ctx, args.Name, args.On)

	case "ReloadConfig":
		return nil, s.backend.ReloadConfig(ctx)

	case "ChangeInterfaces":
		var args struct {
			Interfaces []string `json:"interfaces"`
		}
		if err := decode(req.Data, &args); err != nil {
			return nil, err
		}
		if len(args.Interfaces) == 0 {
			return nil, fmt.Errorf("interfaces list is required")
		}
		return nil, s.backend.ChangeInterfaces(ctx, args.Interfaces)

	case "StopService":
		// Handled after the response is written.
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing request data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed request data: %w", err)
	}
	return nil
}

func decodeName(data json.RawMessage) (string, error) {
	var arg nameArg
	if err := decode(data, &arg); err != nil {
		return "", err
	}
	if arg.Name == "" {
		return "", fmt.Errorf("printer name is required")
	}
	return arg.Name, nil
}
