package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicepipe/agent-gateway/internal/audio"
	"github.com/voicepipe/agent-gateway/internal/health"
	"github.com/voicepipe/agent-gateway/internal/pipeline"
	"github.com/voicepipe/agent-gateway/internal/session"
	"github.com/voicepipe/agent-gateway/internal/trace"
)

// defaultArchiveLimit is how many archived turns are returned when the
// caller omits the ?limit= query parameter.
const defaultArchiveLimit = 100

type deps struct {
	cfg       config
	registry  *session.Registry
	pipe      *pipeline.Pipeline
	reporter  *health.Reporter
	archive   *trace.Store
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/audio", d.wsHandler)
	mux.HandleFunc("POST /agent/chat/{sessionID}", d.handleChat)
	mux.HandleFunc("GET /agent/history/{sessionID}", d.handleHistory)
	mux.HandleFunc("POST /agent/reset/{sessionID}", d.handleReset)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/archive/{sessionID}", d.handleArchive)
	mux.Handle("GET /recordings/", http.StripPrefix("/recordings/", http.FileServer(http.Dir(d.cfg.recordingsDir))))
	mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(d.cfg.audioDir))))
}

// handleChat is the single-shot turn submission: one finalized audio upload
// processed as one conversation turn. Malformed submissions fail here with a
// request-level error before any session state is touched.
func (d deps) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	r.Body = http.MaxBytesReader(w, r.Body, d.cfg.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio file")
		return
	}
	defer file.Close()

	encoding := header.Header.Get("Content-Type")
	if encoding != "" && !audio.Allowed(encoding) {
		writeError(w, http.StatusBadRequest, "unsupported content type: "+encoding)
		return
	}

	blob, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read audio file: "+err.Error())
		return
	}
	if len(blob) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio file")
		return
	}
	if encoding == "" && audio.Sniff(blob) == audio.FormatUnknown {
		writeError(w, http.StatusBadRequest, "unrecognized audio format")
		return
	}

	slog.Info("chat request", "session_id", sessionID, "bytes", len(blob), "encoding", encoding)

	// Once the pipeline starts the turn runs to completion; a client
	// disconnect does not cancel in-flight stages, each is bounded by its
	// own timeout.
	sess := d.registry.GetOrCreate(sessionID)
	result := d.pipe.Run(context.WithoutCancel(r.Context()), sess, blob, encoding, pipeline.Options{
		ReplyEngine: r.URL.Query().Get("reply_engine"),
		SynthEngine: r.URL.Query().Get("synth_engine"),
	})

	writeJSON(w, http.StatusOK, result)
}

func (d deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.registry.Get(r.PathValue("sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID(),
		"history":    sess.History(),
	})
}

func (d deps) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if !d.registry.Reset(sessionID) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	slog.Info("session reset", "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.reporter.Report())
}

func (d deps) handleArchive(w http.ResponseWriter, r *http.Request) {
	if d.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit := defaultArchiveLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	turns, err := d.archive.ListTurns(r.PathValue("sessionID"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
