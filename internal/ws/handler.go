package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicepipe/agent-gateway/internal/audio"
	"github.com/voicepipe/agent-gateway/internal/metrics"
	"github.com/voicepipe/agent-gateway/internal/pipeline"
	"github.com/voicepipe/agent-gateway/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared state for all streaming capture connections.
type HandlerConfig struct {
	Registry      *session.Registry
	Pipeline      *pipeline.Pipeline
	RecordingsDir string
	MaxConcurrent int
}

// Handler manages streaming capture connections with admission control.
//
// Protocol: the client sends JSON text frames as control messages
// ({"type":"start","encoding":...}, {"type":"stop"}, {"type":"abort"}) and
// binary frames as audio. The server answers with "session", "ready",
// "saved", "error" and finally "result" events. A connection dropped before
// stop aborts the capture.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a streaming handler with a connection limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// controlMessage is a JSON text frame from the client.
type controlMessage struct {
	Type        string `json:"type"`
	Encoding    string `json:"encoding,omitempty"`
	ReplyEngine string `json:"reply_engine,omitempty"`
	SynthEngine string `json:"synth_engine,omitempty"`
}

// event is a JSON text frame to the client.
type event struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Text      string           `json:"text,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	URL       string           `json:"url,omitempty"`
	Result    *pipeline.Result `json:"result,omitempty"`
}

// ServeHTTP upgrades the connection and runs the capture loop.
// Returns 503 at max concurrent stream capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	sess := h.cfg.Registry.GetOrCreate(r.URL.Query().Get("session_id"))
	h.runStream(r.Context(), conn, sess)
}

func (h *Handler) runStream(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	send := newEventSender(conn)
	send(event{Type: "session", SessionID: sess.ID()})

	slog.Info("stream connected", "session_id", sess.ID())

	st := &streamState{}
	defer h.cleanup(sess, st)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("stream closed", "session_id", sess.ID(), "error", err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			h.handleControl(ctx, sess, st, data, send)
		case websocket.BinaryMessage:
			h.handleFrame(sess, st, data, send)
		}
	}
}

// streamState tracks the connection's live capture and engine choices.
type streamState struct {
	rec      *session.Recorder
	artifact string
	opts     pipeline.Options
}

// cleanup aborts a capture left open by a dropped connection.
func (h *Handler) cleanup(sess *session.Session, st *streamState) {
	if st.rec == nil || st.rec.State() == session.StateClosed {
		return
	}
	st.rec.Abort()
	sess.EndCapture(st.rec)
	metrics.CapturesAborted.Inc()
	slog.Info("capture aborted on disconnect", "session_id", sess.ID())
}

func (h *Handler) handleControl(ctx context.Context, sess *session.Session, st *streamState, data []byte, send sendFunc) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("non-JSON control frame", "session_id", sess.ID())
		send(event{Type: "error", Text: "malformed control message"})
		return
	}

	switch msg.Type {
	case "start":
		h.handleStart(sess, st, msg, send)
	case "stop", "end":
		h.handleStop(ctx, sess, st, send)
	case "abort":
		h.handleAbort(sess, st, send)
	default:
		slog.Info("unknown control message", "session_id", sess.ID(), "type", msg.Type)
	}
}

func (h *Handler) handleStart(sess *session.Session, st *streamState, msg controlMessage, send sendFunc) {
	rec, err := sess.BeginCapture()
	if err != nil {
		send(event{Type: "error", Text: "a capture is already in progress"})
		return
	}
	if err = rec.Start(msg.Encoding); err != nil {
		sess.EndCapture(rec)
		send(event{Type: "error", Text: "capture already started"})
		return
	}

	st.rec = rec
	st.opts = pipeline.Options{ReplyEngine: msg.ReplyEngine, SynthEngine: msg.SynthEngine}

	format, err := audio.Normalize(msg.Encoding)
	if err != nil {
		format = audio.FormatUnknown
	}
	st.artifact = uuid.NewString() + audio.Ext(format)

	slog.Info("capture started", "session_id", sess.ID(), "encoding", msg.Encoding, "artifact", st.artifact)
	send(event{Type: "ready", Filename: st.artifact, URL: "/recordings/" + st.artifact})
}

func (h *Handler) handleStop(ctx context.Context, sess *session.Session, st *streamState, send sendFunc) {
	if st.rec == nil {
		send(event{Type: "error", Text: "no capture in progress"})
		return
	}

	blob, encoding, err := st.rec.Stop()
	if err != nil {
		send(event{Type: "error", Text: "capture not streaming"})
		return
	}
	sess.EndCapture(st.rec)
	metrics.CapturesFinalized.Inc()

	if h.cfg.RecordingsDir != "" {
		path := filepath.Join(h.cfg.RecordingsDir, st.artifact)
		if werr := os.WriteFile(path, blob, 0o644); werr != nil {
			slog.Warn("write recording", "path", path, "error", werr)
		} else {
			send(event{Type: "saved", Filename: st.artifact, URL: "/recordings/" + st.artifact})
		}
	}

	slog.Info("capture finalized", "session_id", sess.ID(), "bytes", len(blob), "dropped_frames", st.rec.Dropped())

	// The turn keeps running even if the socket drops mid-pipeline; each
	// stage is bounded by its own timeout.
	result := h.cfg.Pipeline.Run(context.WithoutCancel(ctx), sess, blob, encoding, st.opts)
	send(event{Type: "result", SessionID: sess.ID(), Result: result})

	st.rec = nil
	st.artifact = ""
}

func (h *Handler) handleAbort(sess *session.Session, st *streamState, send sendFunc) {
	if st.rec == nil {
		send(event{Type: "error", Text: "no capture in progress"})
		return
	}
	st.rec.Abort()
	sess.EndCapture(st.rec)
	metrics.CapturesAborted.Inc()
	slog.Info("capture aborted", "session_id", sess.ID())
	send(event{Type: "aborted"})
	st.rec = nil
	st.artifact = ""
}

// handleFrame appends one binary audio frame. Frames outside a streaming
// capture are dropped and reported, but never kill the connection.
func (h *Handler) handleFrame(sess *session.Session, st *streamState, data []byte, send sendFunc) {
	if st.rec == nil {
		metrics.FramesDropped.Inc()
		send(event{Type: "error", Text: "frame dropped: no capture in progress"})
		return
	}
	if err := st.rec.Frame(data); err != nil {
		if errors.Is(err, session.ErrProtocolViolation) {
			metrics.FramesDropped.Inc()
			slog.Warn("frame dropped", "session_id", sess.ID(), "state", st.rec.State())
			send(event{Type: "error", Text: "frame dropped: capture not streaming"})
		}
		return
	}
	metrics.AudioFrames.Inc()
}

type sendFunc func(event)

func newEventSender(conn *websocket.Conn) sendFunc {
	var mu sync.Mutex
	return func(ev event) {
		mu.Lock()
		defer mu.Unlock()

		jsonBytes, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, jsonBytes); err != nil {
			slog.Error("write event", "error", err)
		}
	}
}
