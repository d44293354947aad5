package ws

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepipe/agent-gateway/internal/pipeline"
	"github.com/voicepipe/agent-gateway/internal/session"
)

type fakeSTT struct{ gotBlob []byte }

func (f *fakeSTT) Transcribe(_ context.Context, blob []byte, _ string) (string, error) {
	f.gotBlob = blob
	return "hello", nil
}

type fakeReply struct{}

func (fakeReply) Reply(context.Context, []session.Turn) (string, error) { return "hi there", nil }

type fakeSynth struct{}

func (fakeSynth) Synthesize(context.Context, string) (string, error) { return "/audio/1.mp3", nil }

type testEnv struct {
	registry *session.Registry
	stt      *fakeSTT
	dir      string
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		registry: session.NewRegistry(),
		stt:      &fakeSTT{},
		dir:      t.TempDir(),
	}
	pipe := pipeline.New(pipeline.Config{
		STT:   env.stt,
		Reply: pipeline.NewReplyRouter(map[string]pipeline.ReplyGenerator{"fake": fakeReply{}}, "fake"),
		Synth: pipeline.NewSynthRouter(map[string]pipeline.Synthesizer{"fake": fakeSynth{}}, "fake"),
	})
	h := NewHandler(HandlerConfig{
		Registry:      env.registry,
		Pipeline:      pipe,
		RecordingsDir: env.dir,
	})
	env.srv = httptest.NewServer(h)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	var ev event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStreamingTurn(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1")

	ev := readEvent(t, conn)
	assert.Equal(t, "session", ev.Type)
	assert.Equal(t, "s1", ev.SessionID)

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	ev = readEvent(t, conn)
	require.Equal(t, "ready", ev.Type)
	assert.True(t, strings.HasSuffix(ev.Filename, ".webm"))
	assert.Equal(t, "/recordings/"+ev.Filename, ev.URL)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("abc")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("def")))
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "stop"}))

	ev = readEvent(t, conn)
	require.Equal(t, "saved", ev.Type)
	data, err := os.ReadFile(filepath.Join(env.dir, ev.Filename))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), data, "artifact holds frames in arrival order")

	ev = readEvent(t, conn)
	require.Equal(t, "result", ev.Type)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "hello", ev.Result.Transcript)
	assert.Equal(t, "hi there", ev.Result.Reply)
	assert.Equal(t, "/audio/1.mp3", ev.Result.AudioURL)
	assert.Empty(t, ev.Result.Errors)
	assert.Len(t, ev.Result.History, 2)

	assert.Equal(t, []byte("abcdef"), env.stt.gotBlob, "pipeline receives the finalized blob")
}

func TestFrameBeforeStartDropped(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1")
	readEvent(t, conn) // session

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("early")))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)

	// The connection survives and a capture can still run.
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	ev = readEvent(t, conn)
	require.Equal(t, "ready", ev.Type)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("kept")))
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "stop"}))

	ev = readEvent(t, conn) // saved
	require.Equal(t, "saved", ev.Type)
	data, err := os.ReadFile(filepath.Join(env.dir, ev.Filename))
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data, "dropped frame never reaches the finalized blob")

	readEvent(t, conn) // result
}

func TestDoubleStartRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1")
	readEvent(t, conn) // session

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	readEvent(t, conn) // ready

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
}

func TestConcurrentCaptureSameSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	conn1 := env.dial(t, "s1")
	readEvent(t, conn1) // session
	require.NoError(t, conn1.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	readEvent(t, conn1) // ready

	conn2 := env.dial(t, "s1")
	readEvent(t, conn2) // session
	require.NoError(t, conn2.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	ev := readEvent(t, conn2)
	assert.Equal(t, "error", ev.Type)
}

func TestAbortDiscardsCapture(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1")
	readEvent(t, conn) // session

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	readEvent(t, conn) // ready
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("discard")))
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "abort"}))

	ev := readEvent(t, conn)
	assert.Equal(t, "aborted", ev.Type)

	sess, ok := env.registry.Get("s1")
	require.True(t, ok)
	assert.Empty(t, sess.History(), "aborted capture never becomes a turn")

	// A fresh capture can start on the same connection.
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	ev = readEvent(t, conn)
	assert.Equal(t, "ready", ev.Type)
}

func TestDisconnectAbortsCapture(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1")
	readEvent(t, conn) // session
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "start", Encoding: "audio/webm"}))
	readEvent(t, conn) // ready
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("half")))

	conn.Close()

	sess, ok := env.registry.Get("s1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return sess.CaptureState() == session.StateIdle
	}, 2*time.Second, 10*time.Millisecond, "dropped connection aborts the capture")
	assert.Empty(t, sess.History())
}

func TestStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1")
	readEvent(t, conn) // session

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "stop"}))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
}
