package relaycomm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"motioncam/pkg/encryption"
	"motioncam/pkg/logger"
	"motioncam/pkg/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayServer accepts camera connections and hands them to the test.
func relayServer(t *testing.T) (string, chan *websocket.Conn, chan string) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	ids := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ids <- r.URL.Query().Get("cameraId")
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns, ids
}

func connect(t *testing.T, r *RelayComm, conns chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("camera never connected")
	}
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, r.Connected, time.Second, 10*time.Millisecond)
	return conn
}

func request(t *testing.T, conn *websocket.Conn, messageType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: messageType, Payload: data}))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

type fakeStore struct {
	events []storage.Event
	paths  map[string]string
}

func (f *fakeStore) GetEventLog() ([]storage.Event, error) { return f.events, nil }

func (f *fakeStore) GetRecordingPath(id string) (string, error) {
	if p, ok := f.paths[id]; ok {
		return p, nil
	}
	return "", fmt.Errorf("recording not found: %s", id)
}

func TestSend_NotConnected(t *testing.T) {
	r := New("ws://127.0.0.1:1", "cam")
	assert.Error(t, r.Send("motionStarted", map[string]any{}))
}

func TestStart_RequiresURL(t *testing.T) {
	assert.Error(t, New("", "cam").Start())
}

func TestSend_AndCameraID(t *testing.T) {
	url, conns, ids := relayServer(t)
	r := New(url, "cam-1")
	conn := connect(t, r, conns)
	assert.Equal(t, "cam-1", <-ids)

	require.NoError(t, r.Send("motionStarted", map[string]any{"id": "ev"}))
	msg := read(t, conn)
	assert.Equal(t, "motionStarted", msg.Type)
	assert.JSONEq(t, `{"id":"ev"}`, string(msg.Payload))
}

func TestHandlers_GetEventsAndStatus(t *testing.T) {
	url, conns, _ := relayServer(t)
	r := New(url, "cam")
	r.RegisterHandlers(Services{
		Events: &fakeStore{events: []storage.Event{{ID: "a", Duration: 3, EventType: "motion"}}},
		Status: func() any { return map[string]string{"phase": "recording"} },
		Logs:   func() []logger.Entry { return []logger.Entry{{Msg: "hello"}} },
	})
	conn := connect(t, r, conns)

	request(t, conn, "getEvents", map[string]any{})
	msg := read(t, conn)
	assert.Equal(t, "eventsResult", msg.Type)
	var events struct {
		Success bool            `json:"success"`
		Events  []storage.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &events))
	assert.True(t, events.Success)
	require.Len(t, events.Events, 1)
	assert.Equal(t, "a", events.Events[0].ID)

	request(t, conn, "getStatus", map[string]any{})
	msg = read(t, conn)
	assert.Equal(t, "statusResult", msg.Type)
	assert.JSONEq(t, `{"success":true,"status":{"phase":"recording"}}`, string(msg.Payload))

	request(t, conn, "getLogs", map[string]any{})
	msg = read(t, conn)
	assert.Equal(t, "logsResult", msg.Type)
	assert.Contains(t, string(msg.Payload), "hello")
}

func TestHandlers_GetRecordingStreamsClip(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "a.mp4")
	data := make([]byte, 2*clipPartSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(clip, data, 0644))
	exact := filepath.Join(dir, "b.mp4")
	require.NoError(t, os.WriteFile(exact, data[:clipPartSize], 0644))

	url, conns, _ := relayServer(t)
	r := New(url, "cam")
	r.RegisterHandlers(Services{Events: &fakeStore{paths: map[string]string{"a": clip, "b": exact}}})
	conn := connect(t, r, conns)

	receive := func(id string) ([]byte, []clipPart) {
		request(t, conn, "getRecording", map[string]string{"id": id})
		var got []byte
		var parts []clipPart
		for {
			msg := read(t, conn)
			require.Equal(t, "recordingResult", msg.Type)
			var part clipPart
			require.NoError(t, json.Unmarshal(msg.Payload, &part))
			require.True(t, part.Success)
			require.Equal(t, id, part.ID)
			require.Equal(t, int64(len(got)), part.Offset, "parts arrive in order")
			b, err := base64.StdEncoding.DecodeString(part.Data)
			require.NoError(t, err)
			got = append(got, b...)
			parts = append(parts, part)
			if part.Done {
				return got, parts
			}
		}
	}

	got, parts := receive("a")
	assert.Equal(t, data, got)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(len(data)), parts[0].Size)

	got, parts = receive("b")
	assert.Equal(t, data[:clipPartSize], got)
	assert.Len(t, parts, 1, "a clip of exactly one part ends on that part")

	request(t, conn, "getRecording", map[string]string{"id": "missing"})
	msg := read(t, conn)
	assert.JSONEq(t, `{"success":false}`, string(msg.Payload))
}

func TestSession_SealsBothWays(t *testing.T) {
	camera, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	viewer, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	camSession, err := camera.Session(viewer.PublicKey)
	require.NoError(t, err)
	viewerSession, err := viewer.Session(camera.PublicKey)
	require.NoError(t, err)

	url, conns, _ := relayServer(t)
	r := New(url, "cam")
	r.UseSession(camSession)
	r.RegisterHandlers(Services{Status: func() any { return "buffering" }})
	conn := connect(t, r, conns)

	// plaintext requests are dropped
	request(t, conn, "getStatus", map[string]any{})

	ct, err := viewerSession.Seal([]byte(`{}`))
	require.NoError(t, err)
	request(t, conn, "getStatus", sealed{EncryptedPayload: ct})

	msg := read(t, conn)
	assert.Equal(t, "statusResult", msg.Type)
	var env sealed
	require.NoError(t, json.Unmarshal(msg.Payload, &env))
	plain, err := viewerSession.Open(env.EncryptedPayload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"status":"buffering"}`, string(plain))
}

func TestHealth(t *testing.T) {
	h := Health()
	assert.Contains(t, h, "version")
}
