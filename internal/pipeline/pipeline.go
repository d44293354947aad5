package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/voicepipe/agent-gateway/internal/metrics"
	"github.com/voicepipe/agent-gateway/internal/session"
	"github.com/voicepipe/agent-gateway/internal/trace"
)

// Stage names one step of the turn pipeline.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageReply         Stage = "reply"
	StageSynthesis     Stage = "synthesis"
)

// FallbackTranscript stands in for the user's words when transcription fails,
// so the turn can still proceed through reply generation.
const FallbackTranscript = "I'm having trouble understanding the audio."

// Result is the structured outcome of one turn. A stage absent from Errors
// either succeeded or was not reached; a present stage failed, but later
// stages may still have run with degraded inputs.
type Result struct {
	SessionID  string           `json:"session_id"`
	Transcript string           `json:"transcript,omitempty"`
	Reply      string           `json:"reply,omitempty"`
	AudioURL   string           `json:"audio_url,omitempty"`
	Errors     map[Stage]string `json:"errors"`
	History    []session.Turn   `json:"history"`
}

// Config holds the pipeline's collaborators and tuning.
type Config struct {
	STT   Transcriber
	Reply *ReplyRouter
	Synth *SynthRouter

	// Tracer, when set, archives completed turns asynchronously.
	Tracer *trace.Store

	// StageTimeout bounds each external collaborator call. A stalled call
	// surfaces as that stage's error instead of hanging the session.
	StageTimeout time.Duration
}

// Options selects backends for one run.
type Options struct {
	ReplyEngine string
	SynthEngine string
}

// Pipeline runs finalized audio through transcription, reply generation and
// speech synthesis, appending the turn to the owning session's history.
type Pipeline struct {
	cfg Config
}

// New creates a pipeline with the given collaborators.
func New(cfg Config) *Pipeline {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	return &Pipeline{cfg: cfg}
}

// Run processes one finalized audio blob as a single conversation turn.
//
// Stages run sequentially and fail independently: a failed transcription
// substitutes FallbackTranscript and continues, a failed reply skips
// synthesis, a failed synthesis still appends the text-only assistant turn.
// Stage failures are reported in Result.Errors and never abort the turn, so
// Run itself does not return an error. The whole run holds the session's
// turn lock; concurrent turns for the same session are serialized.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session, blob []byte, encoding string, opts Options) *Result {
	unlock := sess.BeginTurn()
	defer unlock()

	start := time.Now()
	metrics.TurnsTotal.Inc()

	res := &Result{
		SessionID: sess.ID(),
		Errors:    make(map[Stage]string),
	}

	userText := p.transcribe(ctx, blob, encoding, res)
	sess.Append(session.RoleUser, userText, "")

	reply := p.generateReply(ctx, sess.History(), opts.ReplyEngine, res)
	if reply != "" {
		audioURL := p.synthesize(ctx, reply, opts.SynthEngine, res)
		sess.Append(session.RoleAssistant, reply, audioURL)
	}

	res.History = sess.History()

	elapsed := time.Since(start)
	metrics.TurnDuration.Observe(elapsed.Seconds())
	slog.Info("turn_done",
		"session_id", sess.ID(),
		"total_ms", elapsed.Milliseconds(),
		"stage_errors", len(res.Errors),
	)

	if p.cfg.Tracer != nil {
		p.cfg.Tracer.SaveTurnAsync(sess.ID(), res.Transcript, res.Reply, res.AudioURL, stageErrors(res.Errors))
	}

	return res
}

func (p *Pipeline) transcribe(ctx context.Context, blob []byte, encoding string, res *Result) string {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	transcript, err := p.cfg.STT.Transcribe(stageCtx, blob, encoding)
	metrics.StageDuration.WithLabelValues(string(StageTranscription)).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Error("transcription failed", "error", err)
		res.Errors[StageTranscription] = err.Error()
		res.Transcript = FallbackTranscript
		return FallbackTranscript
	}

	text := strings.TrimSpace(transcript)
	slog.Info("transcript", "text", text, "ms", time.Since(start).Milliseconds())
	res.Transcript = text
	return text
}

func (p *Pipeline) generateReply(ctx context.Context, history []session.Turn, engine string, res *Result) string {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	reply, err := p.cfg.Reply.Reply(stageCtx, history, engine)
	metrics.StageDuration.WithLabelValues(string(StageReply)).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Error("reply generation failed", "error", err)
		res.Errors[StageReply] = err.Error()
		return ""
	}

	slog.Info("reply", "text", reply, "ms", time.Since(start).Milliseconds())
	res.Reply = reply
	return reply
}

func (p *Pipeline) synthesize(ctx context.Context, text, engine string, res *Result) string {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	locator, err := p.cfg.Synth.Synthesize(stageCtx, text, engine)
	metrics.StageDuration.WithLabelValues(string(StageSynthesis)).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Error("synthesis failed", "error", err)
		res.Errors[StageSynthesis] = err.Error()
		return ""
	}

	slog.Info("synthesis", "audio_url", locator, "ms", time.Since(start).Milliseconds())
	res.AudioURL = locator
	return locator
}

func stageErrors(errs map[Stage]string) map[string]string {
	out := make(map[string]string, len(errs))
	for k, v := range errs {
		out[string(k)] = v
	}
	return out
}
