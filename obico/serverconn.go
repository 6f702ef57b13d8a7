package obico

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"acproxycam/logging"
)

// tokenConflictCode is the close code the Obico server sends when the same
// auth token connects twice.
const tokenConflictCode = 4321

// ErrTokenConflict means another agent is linked with the same token. The
// bridge must not reconnect until the user resolves it.
var ErrTokenConflict = errors.New("obico auth token is used by another client")

// RemoteStatus mirrors the server's remote_status push.
type RemoteStatus struct {
	Viewing     bool `json:"viewing"`
	ShouldWatch bool `json:"should_watch"`
}

// ServerCommand is one entry of the server's commands push, used by the
// failure-detection AI to pause or stop prints.
type ServerCommand struct {
	Cmd string `json:"cmd"`
}

// PassthruRequest asks the agent to execute a function and reply with ref.
type PassthruRequest struct {
	Target string                     `json:"target"`
	Func   string                     `json:"func"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
	Ref    string                     `json:"ref"`
}

// ServerMessage is one decoded WebSocket message from the Obico server. Only
// the keys present in the payload are non-nil.
type ServerMessage struct {
	Remote   *RemoteStatus
	Commands []ServerCommand
	Passthru *PassthruRequest
}

type serverWireMessage struct {
	Remote   *RemoteStatus    `json:"remote_status"`
	Commands []ServerCommand  `json:"commands"`
	Passthru *PassthruRequest `json:"passthru"`
}

// ServerClient talks to an Obico server: a WebSocket for status and
// commands, REST endpoints for snapshots and print events.
type ServerClient struct {
	baseURL string
	token   string
	printer string
	log     zerolog.Logger
	httpc   *http.Client

	writeMu sync.Mutex
	conn    *websocket.Conn

	messages  chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

// NewServerClient builds a client for the configured Obico server URL
// (http(s) scheme) and auth token.
func NewServerClient(baseURL, token, printer string) *ServerClient {
	return &ServerClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		printer:  printer,
		log:      logging.WithPrinter("obico", printer),
		httpc:    &http.Client{Timeout: 60 * time.Second},
		messages: make(chan ServerMessage, 16),
		done:     make(chan struct{}),
	}
}

func (s *ServerClient) wsURL() string {
	u := s.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/dev/"
}

// Connect dials the device WebSocket and starts the read loop.
func (s *ServerClient) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "bearer "+s.token)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL(), header)
	if err != nil {
		return fmt.Errorf("obico dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn
	go s.readLoop()
	return nil
}

// Close shuts the WebSocket down.
func (s *ServerClient) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Done is closed when the WebSocket session ends.
func (s *ServerClient) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. ErrTokenConflict is terminal.
func (s *ServerClient) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Messages yields decoded server pushes.
func (s *ServerClient) Messages() <-chan ServerMessage { return s.messages }

func (s *ServerClient) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == tokenConflictCode {
				s.setErr(ErrTokenConflict)
				s.log.Error().Msg("obico server closed the connection: token used elsewhere")
			} else {
				s.setErr(err)
				s.log.Debug().Err(err).Msg("obico read loop ended")
			}
			return
		}
		var wire serverWireMessage
		if err := json.Unmarshal(data, &wire); err != nil {
			s.log.Warn().Err(err).Msg("malformed obico message")
			continue
		}
		msg := ServerMessage{Remote: wire.Remote, Commands: wire.Commands, Passthru: wire.Passthru}
		if msg.Remote == nil && msg.Commands == nil && msg.Passthru == nil {
			continue
		}
		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *ServerClient) setErr(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
}

func (s *ServerClient) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("obico: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// SendStatus pushes a status report over the WebSocket.
func (s *ServerClient) SendStatus(report *StatusReport) error {
	return s.writeJSON(map[string]any{"status": report})
}

// SendPassthruResult replies to a passthru request. Exactly one of ret and
// errMsg is set.
func (s *ServerClient) SendPassthruResult(ref string, ret any, errMsg string) error {
	body := map[string]any{"ref": ref}
	if errMsg != "" {
		body["error"] = errMsg
	} else {
		body["ret"] = ret
	}
	return s.writeJSON(map[string]any{"passthru": body})
}

// PostSnapshot uploads one JPEG to the server's pic endpoint.
func (s *ServerClient) PostSnapshot(ctx context.Context, jpeg []byte) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("pic", "snapshot.jpg")
	if err != nil {
		return err
	}
	if _, err := part.Write(jpeg); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/octo/pic/", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+s.token)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("obico snapshot: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("obico snapshot: %s", resp.Status)
	}
	return nil
}

// PostEvent reports a print lifecycle event to the server.
func (s *ServerClient) PostEvent(ctx context.Context, eventType string, data map[string]any) error {
	payload := map[string]any{"event_type": eventType, "event_data": data}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/octo/printer_events/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+s.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("obico event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("obico event: %s", resp.Status)
	}
	return nil
}

// IsCloud reports whether the configured server is the hosted Obico cloud
// rather than a self-hosted instance. Snapshot rates are tiered for cloud.
func (s *ServerClient) IsCloud() bool {
	return strings.Contains(s.baseURL, "obico.io")
}
