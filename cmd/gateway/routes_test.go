package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepipe/agent-gateway/internal/health"
	"github.com/voicepipe/agent-gateway/internal/pipeline"
	"github.com/voicepipe/agent-gateway/internal/session"
)

type fakeSTT struct{}

func (fakeSTT) Transcribe(context.Context, []byte, string) (string, error) { return "hello", nil }

type fakeReply struct{}

func (fakeReply) Reply(context.Context, []session.Turn) (string, error) { return "hi there", nil }

type fakeSynth struct{}

func (fakeSynth) Synthesize(context.Context, string) (string, error) { return "/audio/1.mp3", nil }

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	return newTestServerWith(t, fakeReply{})
}

func newTestServerWith(t *testing.T, reply pipeline.ReplyGenerator) (*httptest.Server, *session.Registry) {
	t.Helper()

	registry := session.NewRegistry()
	pipe := pipeline.New(pipeline.Config{
		STT:   fakeSTT{},
		Reply: pipeline.NewReplyRouter(map[string]pipeline.ReplyGenerator{"fake": reply}, "fake"),
		Synth: pipeline.NewSynthRouter(map[string]pipeline.Synthesizer{"fake": fakeSynth{}}, "fake"),
	})
	reporter := health.NewReporter(
		health.Dependency{Name: "STT_URL", Set: true},
		health.Dependency{Name: "OLLAMA_URL", Set: true},
		health.Dependency{Name: "MURF_API_KEY", Set: false},
	)

	cfg := loadConfig()
	cfg.recordingsDir = t.TempDir()
	cfg.audioDir = t.TempDir()
	cfg.maxUploadBytes = 1 << 20

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		cfg:       cfg,
		registry:  registry,
		pipe:      pipe,
		reporter:  reporter,
		wsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, registry
}

func audioUpload(t *testing.T, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="audio.webm"`)
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestChatHappyPath(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	body, contentType := audioUpload(t, "audio/webm", []byte("blob"))

	resp, err := http.Post(srv.URL+"/agent/chat/s1", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result pipeline.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "s1", result.SessionID)
	assert.Equal(t, "hello", result.Transcript)
	assert.Equal(t, "hi there", result.Reply)
	assert.Equal(t, "/audio/1.mp3", result.AudioURL)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.History, 2)
}

// gatedReply blocks inside the reply stage until released, reporting whether
// its context was cancelled while it waited.
type gatedReply struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedReply) Reply(ctx context.Context, _ []session.Turn) (string, error) {
	close(g.entered)
	select {
	case <-g.release:
		return "hi there", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestChatClientDisconnectDoesNotCancelTurn(t *testing.T) {
	t.Parallel()

	gate := &gatedReply{entered: make(chan struct{}), release: make(chan struct{})}
	srv, registry := newTestServerWith(t, gate)

	body, contentType := audioUpload(t, "audio/webm", []byte("blob"))
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "POST", srv.URL+"/agent/chat/s1", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	errCh := make(chan error, 1)
	go func() {
		resp, doErr := http.DefaultClient.Do(req)
		if resp != nil {
			resp.Body.Close()
		}
		errCh <- doErr
	}()

	// Drop the client mid-reply, then let the backend finish.
	<-gate.entered
	cancel()
	require.Error(t, <-errCh)
	close(gate.release)

	sess, ok := registry.Get("s1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return len(sess.History()) == 2
	}, 5*time.Second, 10*time.Millisecond, "the turn completes despite the disconnect")
	hist := sess.History()
	assert.Equal(t, session.RoleAssistant, hist[1].Role)
	assert.Equal(t, "hi there", hist[1].Content)
}

func TestChatMissingFile(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)
	resp, err := http.Post(srv.URL+"/agent/chat/s1", "application/json", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Request-level failures never mutate session state.
	_, ok := registry.Get("s1")
	assert.False(t, ok)
}

func TestChatBadContentType(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)
	body, contentType := audioUpload(t, "text/plain", []byte("not audio"))

	resp, err := http.Post(srv.URL+"/agent/chat/s1", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, ok := registry.Get("s1")
	assert.False(t, ok)
}

func TestChatEmptyFile(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	body, contentType := audioUpload(t, "audio/webm", nil)

	resp, err := http.Post(srv.URL+"/agent/chat/s1", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)

	resp, err := http.Get(srv.URL + "/agent/history/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	sess := registry.GetOrCreate("s1")
	sess.Append(session.RoleUser, "hello", "")

	resp, err = http.Get(srv.URL + "/agent/history/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		SessionID string         `json:"session_id"`
		History   []session.Turn `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "s1", out.SessionID)
	require.Len(t, out.History, 1)
	assert.Equal(t, "hello", out.History[0].Content)
}

func TestReset(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)

	resp, err := http.Post(srv.URL+"/agent/reset/unknown", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	sess := registry.GetOrCreate("s1")
	sess.Append(session.RoleUser, "hello", "")

	resp, err = http.Post(srv.URL+"/agent/reset/s1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, sess.History())
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, health.StatusDegraded, rep.Status)
	assert.Equal(t, []string{"MURF_API_KEY"}, rep.Missing)
}

func TestArchiveDisabled(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/archive/s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
