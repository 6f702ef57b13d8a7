package obico

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJanus speaks enough of the Janus WebSocket API for one session with
// one streaming-plugin handle.
type fakeJanus struct {
	srv *httptest.Server

	mu          sync.Mutex
	subprotocol string
	created     []map[string]any
	destroyed   []uint64
}

func newFakeJanus(t *testing.T) *fakeJanus {
	f := &fakeJanus{}
	upgrader := websocket.Upgrader{Subprotocols: []string{"janus-protocol"}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.subprotocol = conn.Subprotocol()
		f.mu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.handle(conn, msg)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeJanus) handle(conn *websocket.Conn, msg map[string]any) {
	tx, _ := msg["transaction"].(string)
	kind, _ := msg["janus"].(string)
	switch kind {
	case "create":
		conn.WriteJSON(map[string]any{
			"janus": "success", "transaction": tx,
			"data": map[string]any{"id": 111},
		})
	case "attach":
		conn.WriteJSON(map[string]any{
			"janus": "success", "transaction": tx,
			"data": map[string]any{"id": 222},
		})
	case "keepalive":
		conn.WriteJSON(map[string]any{"janus": "ack", "transaction": tx})
	case "message":
		body, _ := msg["body"].(map[string]any)
		request, _ := body["request"].(string)
		switch request {
		case "create":
			f.mu.Lock()
			f.created = append(f.created, body)
			f.mu.Unlock()
			id := body["id"]
			stream := map[string]any{"id": id, "type": "live"}
			if video, _ := body["video"].(bool); video {
				stream["video_port"] = 41000
			}
			if data, _ := body["data"].(bool); data {
				stream["data_port"] = 42000
			}
			conn.WriteJSON(map[string]any{
				"janus": "success", "transaction": tx,
				"plugindata": map[string]any{
					"plugin": streamingPlugin,
					"data":   map[string]any{"streaming": "created", "stream": stream},
				},
			})
		case "destroy":
			if id, ok := body["id"].(float64); ok {
				f.mu.Lock()
				f.destroyed = append(f.destroyed, uint64(id))
				f.mu.Unlock()
			}
			conn.WriteJSON(map[string]any{
				"janus": "success", "transaction": tx,
				"plugindata": map[string]any{
					"plugin": streamingPlugin,
					"data":   map[string]any{"streaming": "destroyed"},
				},
			})
		}
	}
}

func (f *fakeJanus) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/janus"
}

func TestJanusConnectAndMountpoint(t *testing.T) {
	f := newFakeJanus(t)
	j := NewJanus(f.wsURL(), "test")
	require.NoError(t, j.Connect(context.Background()))
	defer j.Close()

	assert.Equal(t, uint64(111), j.sessionID)
	assert.Equal(t, uint64(222), j.handleID)
	f.mu.Lock()
	assert.Equal(t, "janus-protocol", f.subprotocol)
	f.mu.Unlock()

	mp, err := j.CreateMountpoint(context.Background(), 7, true, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), mp.ID)
	assert.Equal(t, 41000, mp.VideoPort)
	assert.Equal(t, 0, mp.DataPort)

	f.mu.Lock()
	require.Len(t, f.created, 1)
	assert.Equal(t, "rtp", f.created[0]["type"])
	assert.Equal(t, true, f.created[0]["video"])
	f.mu.Unlock()

	require.NoError(t, j.DestroyMountpoint(context.Background(), mp.ID))
	f.mu.Lock()
	assert.Equal(t, []uint64{7}, f.destroyed)
	f.mu.Unlock()
}

func TestJanusDataMountpoint(t *testing.T) {
	f := newFakeJanus(t)
	j := NewJanus(f.wsURL(), "test")
	require.NoError(t, j.Connect(context.Background()))
	defer j.Close()

	mp, err := j.CreateMountpoint(context.Background(), 9, false, true)
	require.NoError(t, err)
	assert.Equal(t, 42000, mp.DataPort)
	assert.Equal(t, 0, mp.VideoPort)
}

func TestJanusRequestAfterClose(t *testing.T) {
	f := newFakeJanus(t)
	j := NewJanus(f.wsURL(), "test")
	require.NoError(t, j.Connect(context.Background()))
	j.Close()

	_, err := j.CreateMountpoint(context.Background(), 3, true, false)
	require.Error(t, err)
}

func TestJanusMountpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{Subprotocols: []string{"janus-protocol"}}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			tx, _ := msg["transaction"].(string)
			switch msg["janus"] {
			case "create", "attach":
				conn.WriteJSON(map[string]any{
					"janus": "success", "transaction": tx,
					"data": map[string]any{"id": 1},
				})
			case "message":
				conn.WriteJSON(map[string]any{
					"janus": "success", "transaction": tx,
					"plugindata": map[string]any{
						"plugin": streamingPlugin,
						"data":   map[string]any{"error": "mountpoint already exists"},
					},
				})
			}
		}
	}))
	defer srv.Close()

	j := NewJanus("ws"+strings.TrimPrefix(srv.URL, "http"), "test")
	require.NoError(t, j.Connect(context.Background()))
	defer j.Close()

	_, err := j.CreateMountpoint(context.Background(), 1, true, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestJanusErrorReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{Subprotocols: []string{"janus-protocol"}}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		tx, _ := msg["transaction"].(string)
		data, _ := json.Marshal(map[string]any{
			"janus": "error", "transaction": tx,
			"error": map[string]any{"code": 403, "reason": "unauthorized"},
		})
		conn.WriteMessage(websocket.TextMessage, data)
	}))
	defer srv.Close()

	j := NewJanus("ws"+strings.TrimPrefix(srv.URL, "http"), "test")
	err := j.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}
