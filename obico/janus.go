package obico

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"acproxycam/logging"
)

const (
	janusKeepaliveInterval = 30 * time.Second
	janusCallTimeout       = 10 * time.Second
	streamingPlugin        = "janus.plugin.streaming"
)

// JanusClient drives a Janus gateway over its WebSocket API: one session,
// one streaming-plugin handle, and RTP/data mountpoints created on demand.
type JanusClient struct {
	url     string
	printer string
	log     zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan janusReply

	sessionID uint64
	handleID  uint64

	done      chan struct{}
	closeOnce sync.Once
}

type janusReply struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	Data        struct {
		ID uint64 `json:"id"`
	} `json:"data"`
	PluginData struct {
		Plugin string          `json:"plugin"`
		Data   json.RawMessage `json:"data"`
	} `json:"plugindata"`
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Mountpoint describes a created streaming mountpoint and the UDP ports
// Janus listens on for media.
type Mountpoint struct {
	ID        uint64
	VideoPort int
	DataPort  int
}

// NewJanus builds a client for a Janus WebSocket endpoint such as
// ws://host:8188/janus.
func NewJanus(url, printer string) *JanusClient {
	return &JanusClient{
		url:     url,
		printer: printer,
		log:     logging.WithPrinter("janus", printer),
		pending: make(map[string]chan janusReply),
		done:    make(chan struct{}),
	}
}

// Connect dials the gateway, creates a session, attaches the streaming
// plugin, and starts the keepalive loop.
func (j *JanusClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"janus-protocol"},
	}
	conn, _, err := dialer.DialContext(ctx, j.url, nil)
	if err != nil {
		return fmt.Errorf("janus dial: %w", err)
	}
	j.conn = conn
	go j.readLoop()

	reply, err := j.request(ctx, map[string]any{"janus": "create"})
	if err != nil {
		j.Close()
		return fmt.Errorf("janus create session: %w", err)
	}
	j.sessionID = reply.Data.ID

	reply, err = j.request(ctx, map[string]any{
		"janus":      "attach",
		"session_id": j.sessionID,
		"plugin":     streamingPlugin,
	})
	if err != nil {
		j.Close()
		return fmt.Errorf("janus attach: %w", err)
	}
	j.handleID = reply.Data.ID

	go j.keepaliveLoop()
	return nil
}

// Close ends the session.
func (j *JanusClient) Close() {
	j.closeOnce.Do(func() {
		close(j.done)
		if j.conn != nil {
			j.conn.Close()
		}
	})
}

// Done is closed when the session ends.
func (j *JanusClient) Done() <-chan struct{} { return j.done }

func (j *JanusClient) readLoop() {
	defer j.Close()
	for {
		_, data, err := j.conn.ReadMessage()
		if err != nil {
			j.log.Debug().Err(err).Msg("janus read loop ended")
			return
		}
		var reply janusReply
		if err := json.Unmarshal(data, &reply); err != nil {
			j.log.Warn().Err(err).Msg("malformed janus message")
			continue
		}
		// acks precede the real reply on async requests; the final answer
		// reuses the same transaction id.
		if reply.Janus == "ack" || reply.Transaction == "" {
			continue
		}
		j.pendingMu.Lock()
		ch, ok := j.pending[reply.Transaction]
		if ok {
			delete(j.pending, reply.Transaction)
		}
		j.pendingMu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

func (j *JanusClient) keepaliveLoop() {
	ticker := time.NewTicker(janusKeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg := map[string]any{
				"janus":       "keepalive",
				"session_id":  j.sessionID,
				"transaction": uuid.NewString(),
			}
			if err := j.write(msg); err != nil {
				j.log.Debug().Err(err).Msg("janus keepalive failed")
				j.Close()
				return
			}
		case <-j.done:
			return
		}
	}
}

func (j *JanusClient) write(msg map[string]any) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	j.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return j.conn.WriteJSON(msg)
}

func (j *JanusClient) request(ctx context.Context, msg map[string]any) (*janusReply, error) {
	tx := uuid.NewString()
	msg["transaction"] = tx
	ch := make(chan janusReply, 1)
	j.pendingMu.Lock()
	j.pending[tx] = ch
	j.pendingMu.Unlock()

	drop := func() {
		j.pendingMu.Lock()
		delete(j.pending, tx)
		j.pendingMu.Unlock()
	}

	if err := j.write(msg); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(janusCallTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Error != nil {
			return nil, fmt.Errorf("janus %d: %s", reply.Error.Code, reply.Error.Reason)
		}
		return &reply, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("janus request timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-j.done:
		drop()
		return nil, fmt.Errorf("janus session closed")
	}
}

type mountpointStream struct {
	ID        uint64 `json:"id"`
	VideoPort int    `json:"video_port"`
	DataPort  int    `json:"data_port"`
}

type mountpointCreated struct {
	Streaming string           `json:"streaming"`
	Error     string           `json:"error"`
	Stream    mountpointStream `json:"stream"`
}

// CreateMountpoint provisions a streaming mountpoint. video enables an H.264
// RTP stream; data enables a datachannel feed for base64 MJPEG.
func (j *JanusClient) CreateMountpoint(ctx context.Context, id uint64, video, data bool) (*Mountpoint, error) {
	body := map[string]any{
		"request":   "create",
		"type":      "rtp",
		"id":        id,
		"permanent": false,
		"video":     video,
		"data":      data,
	}
	if video {
		body["videoport"] = 0 // let Janus pick
		body["videopt"] = 96
		body["videortpmap"] = "H264/90000"
		body["videofmtp"] = "profile-level-id=42e01f;packetization-mode=1"
	}
	if data {
		body["dataport"] = 0
		body["datatype"] = "text"
	}
	reply, err := j.request(ctx, map[string]any{
		"janus":      "message",
		"session_id": j.sessionID,
		"handle_id":  j.handleID,
		"body":       body,
	})
	if err != nil {
		return nil, fmt.Errorf("janus create mountpoint: %w", err)
	}
	var created mountpointCreated
	if err := json.Unmarshal(reply.PluginData.Data, &created); err != nil {
		return nil, fmt.Errorf("janus mountpoint reply: %w", err)
	}
	if created.Error != "" {
		return nil, fmt.Errorf("janus mountpoint: %s", created.Error)
	}
	mp := &Mountpoint{ID: created.Stream.ID, VideoPort: created.Stream.VideoPort, DataPort: created.Stream.DataPort}
	if mp.ID == 0 {
		mp.ID = id
	}
	j.log.Info().Uint64("mountpoint", mp.ID).
		Int("videoPort", mp.VideoPort).Int("dataPort", mp.DataPort).
		Msg("janus mountpoint created")
	return mp, nil
}

// DestroyMountpoint removes a mountpoint.
func (j *JanusClient) DestroyMountpoint(ctx context.Context, id uint64) error {
	_, err := j.request(ctx, map[string]any{
		"janus":      "message",
		"session_id": j.sessionID,
		"handle_id":  j.handleID,
		"body":       map[string]any{"request": "destroy", "id": id},
	})
	return err
}
