// Package obico bridges a Moonraker-capable printer (Rinkhals firmware) to
// the Obico service: telemetry translation, passthru command execution,
// snapshot uploads, and a Janus RTP/MJPEG relay fed from the stream hub.
package obico

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"acproxycam/logging"
)

// moonrakerCallTimeout bounds one RPC round trip.
const moonrakerCallTimeout = 10 * time.Second

// Notification is a JSON-RPC message without an id, pushed by Moonraker.
type Notification struct {
	Method string
	Params json.RawMessage
}

type rpcRequest struct {
	Version string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type rpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     *uint64         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("moonraker rpc %d: %s", e.Code, e.Message)
}

// MoonrakerClient is a REST plus JSON-RPC-over-WebSocket client to the
// printer's Moonraker instance. Request/response correlation uses one pending
// slot per id; a timeout removes the slot and fails the caller.
type MoonrakerClient struct {
	host    string
	port    int
	printer string
	log     zerolog.Logger
	httpc   *http.Client

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcEnvelope
	nextID    atomic.Uint64

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// NewMoonraker builds a client for host:port (Moonraker's default is 7125).
func NewMoonraker(host string, port int, printer string) *MoonrakerClient {
	if port <= 0 {
		port = 7125
	}
	return &MoonrakerClient{
		host:          host,
		port:          port,
		printer:       printer,
		log:           logging.WithPrinter("moonraker", printer),
		httpc:         &http.Client{Timeout: 5 * time.Minute},
		pending:       make(map[uint64]chan rpcEnvelope),
		notifications: make(chan Notification, 64),
		done:          make(chan struct{}),
	}
}

func (c *MoonrakerClient) wsURL() string {
	return fmt.Sprintf("ws://%s:%d/websocket", c.host, c.port)
}

func (c *MoonrakerClient) restURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.host, c.port, path)
}

// Connect dials the WebSocket endpoint and starts the read loop.
func (c *MoonrakerClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("moonraker dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)
	c.conn = conn
	go c.readLoop()
	return nil
}

// Close tears the session down; pending calls fail.
func (c *MoonrakerClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
		c.failPending(fmt.Errorf("connection closed"))
	})
}

// Done is closed when the session ends, deliberately or not.
func (c *MoonrakerClient) Done() <-chan struct{} { return c.done }

// Notifications yields server-pushed JSON-RPC notifications. The channel is
// bounded; a stalled consumer loses the oldest updates.
func (c *MoonrakerClient) Notifications() <-chan Notification { return c.notifications }

func (c *MoonrakerClient) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("moonraker read loop ended")
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("malformed moonraker message")
			continue
		}
		if env.ID != nil {
			c.resolve(*env.ID, env)
			continue
		}
		if env.Method == "" {
			continue
		}
		select {
		case c.notifications <- Notification{Method: env.Method, Params: env.Params}:
		default:
			// Drop oldest so the newest state always gets through.
			select {
			case <-c.notifications:
			default:
			}
			select {
			case c.notifications <- Notification{Method: env.Method, Params: env.Params}:
			default:
			}
		}
	}
}

func (c *MoonrakerClient) resolve(id uint64, env rpcEnvelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *MoonrakerClient) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan rpcEnvelope)
	c.pendingMu.Unlock()
	for id, ch := range pending {
		ch <- rpcEnvelope{Error: &rpcError{Code: -1, Message: err.Error()}, ID: &id}
	}
}

// Call performs one JSON-RPC request. The reply's result field is decoded
// into out when non-nil.
func (c *MoonrakerClient) Call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan rpcEnvelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	drop := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	req := rpcRequest{Version: "2.0", Method: method, Params: params, ID: id}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		drop()
		return fmt.Errorf("moonraker write: %w", err)
	}

	timer := time.NewTimer(moonrakerCallTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		drop()
		return fmt.Errorf("moonraker %s: timeout", method)
	case <-ctx.Done():
		drop()
		return ctx.Err()
	case <-c.done:
		drop()
		return fmt.Errorf("moonraker %s: connection closed", method)
	}
}

// ServerInfo reports Moonraker's own state, including klippy connectivity.
type ServerInfo struct {
	KlippyConnected bool   `json:"klippy_connected"`
	KlippyState     string `json:"klippy_state"`
}

// ServerInfo fetches server.info.
func (c *MoonrakerClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.Call(ctx, "server.info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// subscribedObjects is the object set the bridge tracks.
var subscribedObjects = []string{
	"webhooks",
	"print_stats",
	"virtual_sdcard",
	"gcode_move",
	"toolhead",
	"extruder",
	"heater_bed",
	"display_status",
}

// subscribeResult carries the initial snapshot returned by a subscription.
type subscribeResult struct {
	EventTime float64                    `json:"eventtime"`
	Status    map[string]json.RawMessage `json:"status"`
}

// Subscribe installs the status subscription and returns the initial object
// values plus Klipper's eventtime at that instant.
func (c *MoonrakerClient) Subscribe(ctx context.Context) (map[string]json.RawMessage, float64, error) {
	objects := make(map[string]any, len(subscribedObjects))
	for _, name := range subscribedObjects {
		objects[name] = nil
	}
	var res subscribeResult
	err := c.Call(ctx, "printer.objects.subscribe", map[string]any{"objects": objects}, &res)
	if err != nil {
		return nil, 0, err
	}
	return res.Status, res.EventTime, nil
}

// HistoryJob is one entry of Moonraker's job history.
type HistoryJob struct {
	JobID         string  `json:"job_id"`
	Filename      string  `json:"filename"`
	Status        string  `json:"status"`
	StartTime     float64 `json:"start_time"`
	PrintDuration float64 `json:"print_duration"`
}

type historyResult struct {
	Count int          `json:"count"`
	Jobs  []HistoryJob `json:"jobs"`
}

// LatestJob returns the most recent history entry, or nil when the history
// is empty.
func (c *MoonrakerClient) LatestJob(ctx context.Context) (*HistoryJob, error) {
	var res historyResult
	err := c.Call(ctx, "server.history.list", map[string]any{"limit": 1, "order": "desc"}, &res)
	if err != nil {
		return nil, err
	}
	if len(res.Jobs) == 0 {
		return nil, nil
	}
	job := res.Jobs[0]
	return &job, nil
}

// GcodeScript runs a G-code snippet through Klipper.
func (c *MoonrakerClient) GcodeScript(ctx context.Context, script string) error {
	return c.Call(ctx, "printer.gcode.script", map[string]any{"script": script}, nil)
}

// PausePrint pauses the running print.
func (c *MoonrakerClient) PausePrint(ctx context.Context) error {
	return c.Call(ctx, "printer.print.pause", nil, nil)
}

// ResumePrint resumes a paused print.
func (c *MoonrakerClient) ResumePrint(ctx context.Context) error {
	return c.Call(ctx, "printer.print.resume", nil, nil)
}

// CancelPrint cancels the running print.
func (c *MoonrakerClient) CancelPrint(ctx context.Context) error {
	return c.Call(ctx, "printer.print.cancel", nil, nil)
}

// UploadGCode streams a file into Moonraker's gcodes root, optionally
// starting the print on completion.
func (c *MoonrakerClient) UploadGCode(ctx context.Context, filename string, r io.Reader, startPrint bool) error {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()
		if err = form.WriteField("root", "gcodes"); err != nil {
			return
		}
		if err = form.WriteField("print", fmt.Sprintf("%t", startPrint)); err != nil {
			return
		}
		var part io.Writer
		if part, err = form.CreateFormFile("file", filename); err != nil {
			return
		}
		if _, err = io.Copy(part, r); err != nil {
			return
		}
		err = form.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restURL("/server/files/upload"), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("moonraker upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("moonraker upload: %s: %s", resp.Status, body)
	}
	return nil
}

// OpenFile fetches a file from a Moonraker root for reading. The caller
// closes the returned body.
func (c *MoonrakerClient) OpenFile(ctx context.Context, root, path string) (io.ReadCloser, error) {
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", c.host, c.port),
		Path:   "/server/files/" + root + "/" + path,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moonraker file get: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("moonraker file get: %s", resp.Status)
	}
	return resp.Body, nil
}
