package obico

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObicoServer runs the device WebSocket plus the pic/event REST routes.
type fakeObicoServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	authWS    string
	sent      []json.RawMessage
	snapshots []snapshotPost
	events    []eventPost
}

type snapshotPost struct {
	Auth string
	Size int
}

type eventPost struct {
	Auth string
	Body map[string]any
}

func newFakeObico(t *testing.T) *fakeObicoServer {
	f := &fakeObicoServer{}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dev/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authWS = r.Header.Get("Authorization")
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.sent = append(f.sent, append(json.RawMessage(nil), data...))
			f.mu.Unlock()
		}
	})
	mux.HandleFunc("/api/v1/octo/pic/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("pic")
		require.NoError(t, err)
		content, _ := io.ReadAll(file)
		file.Close()
		f.mu.Lock()
		f.snapshots = append(f.snapshots, snapshotPost{Auth: r.Header.Get("Authorization"), Size: len(content)})
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/octo/printer_events/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.events = append(f.events, eventPost{Auth: r.Header.Get("Authorization"), Body: body})
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeObicoServer) push(t *testing.T, payload string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (f *fakeObicoServer) lastSent(t *testing.T) map[string]json.RawMessage {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.sent)
		var last json.RawMessage
		if n > 0 {
			last = f.sent[n-1]
		}
		f.mu.Unlock()
		if last != nil {
			var decoded map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(last, &decoded))
			return decoded
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no message received by server")
	return nil
}

func (f *fakeObicoServer) client(t *testing.T) *ServerClient {
	c := NewServerClient(f.srv.URL, "tok123", "test")
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestServerClientAuthHeader(t *testing.T) {
	f := newFakeObico(t)
	f.client(t)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "bearer tok123", f.authWS)
}

func TestServerClientDecodesMessages(t *testing.T) {
	f := newFakeObico(t)
	c := f.client(t)

	f.push(t, `{"remote_status": {"viewing": true}}`)
	select {
	case msg := <-c.Messages():
		require.NotNil(t, msg.Remote)
		assert.True(t, msg.Remote.Viewing)
	case <-time.After(2 * time.Second):
		t.Fatal("remote_status not delivered")
	}

	f.push(t, `{"commands": [{"cmd": "pause"}], "passthru": {"target": "moonraker_api", "func": "server.info", "ref": "r1"}}`)
	select {
	case msg := <-c.Messages():
		require.Len(t, msg.Commands, 1)
		assert.Equal(t, "pause", msg.Commands[0].Cmd)
		require.NotNil(t, msg.Passthru)
		assert.Equal(t, "r1", msg.Passthru.Ref)
	case <-time.After(2 * time.Second):
		t.Fatal("commands not delivered")
	}
}

func TestServerClientSendStatus(t *testing.T) {
	f := newFakeObico(t)
	c := f.client(t)

	report := buildReport(klippyStatus{KlippyReady: true}, false, -1, time.Unix(1700000000, 0))
	require.NoError(t, c.SendStatus(report))

	sent := f.lastSent(t)
	require.Contains(t, sent, "status")
	var body StatusBody
	require.NoError(t, json.Unmarshal(sent["status"], &body))
	assert.Equal(t, int64(1700000000), body.Timestamp)
	assert.Equal(t, int64(-1), body.CurrentPrintTS)
}

func TestServerClientPassthruReply(t *testing.T) {
	f := newFakeObico(t)
	c := f.client(t)

	require.NoError(t, c.SendPassthruResult("ref-9", map[string]any{"ok": true}, ""))
	sent := f.lastSent(t)
	require.Contains(t, sent, "passthru")
	var reply map[string]any
	require.NoError(t, json.Unmarshal(sent["passthru"], &reply))
	assert.Equal(t, "ref-9", reply["ref"])
	assert.NotNil(t, reply["ret"])
	assert.NotContains(t, reply, "error")

	require.NoError(t, c.SendPassthruResult("ref-10", nil, "no such file"))
	sent = f.lastSent(t)
	require.NoError(t, json.Unmarshal(sent["passthru"], &reply))
	assert.Equal(t, "no such file", reply["error"])
}

func TestServerClientTokenConflict(t *testing.T) {
	f := newFakeObico(t)
	c := f.client(t)

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	msg := websocket.FormatCloseMessage(tokenConflictCode, "token in use")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close not observed")
	}
	assert.True(t, errors.Is(c.Err(), ErrTokenConflict))
}

func TestServerClientSnapshotPost(t *testing.T) {
	f := newFakeObico(t)
	c := f.client(t)

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	require.NoError(t, c.PostSnapshot(context.Background(), jpeg))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.snapshots, 1)
	assert.Equal(t, "Token tok123", f.snapshots[0].Auth)
	assert.Equal(t, len(jpeg), f.snapshots[0].Size)
}

func TestServerClientEventPost(t *testing.T) {
	f := newFakeObico(t)
	c := f.client(t)

	err := c.PostEvent(context.Background(), EventPrintDone, map[string]any{"filename": "benchy.gcode"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 1)
	assert.Equal(t, "Token tok123", f.events[0].Auth)
	assert.Equal(t, "PrintDone", f.events[0].Body["event_type"])
}

func TestServerClientIsCloud(t *testing.T) {
	assert.True(t, NewServerClient("https://app.obico.io", "t", "p").IsCloud())
	assert.False(t, NewServerClient("http://192.168.1.5:3334", "t", "p").IsCloud())
}
