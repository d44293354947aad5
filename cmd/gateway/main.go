package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicepipe/agent-gateway/internal/health"
	"github.com/voicepipe/agent-gateway/internal/metrics"
	"github.com/voicepipe/agent-gateway/internal/pipeline"
	"github.com/voicepipe/agent-gateway/internal/session"
	"github.com/voicepipe/agent-gateway/internal/trace"
	"github.com/voicepipe/agent-gateway/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	for _, dir := range []string{cfg.recordingsDir, cfg.audioDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	registry := session.NewRegistry()

	sttClient := pipeline.NewMultipartSTTClient(cfg.sttURL, cfg.sttAPIKey, cfg.poolSize)

	replyBackends := map[string]pipeline.ReplyGenerator{
		"ollama": pipeline.NewOllamaReplyClient(cfg.ollamaURL, cfg.ollamaModel, cfg.systemPrompt, cfg.maxTokens, cfg.poolSize),
	}
	if cfg.openaiAPIKey != "" {
		replyBackends["openai"] = pipeline.NewOpenAIReplyClient(cfg.openaiURL, cfg.openaiAPIKey, cfg.openaiModel, cfg.systemPrompt, cfg.maxTokens, cfg.poolSize)
	}
	replyRouter := pipeline.NewReplyRouter(replyBackends, cfg.replyEngine)

	synthHTTP := pipeline.NewPooledHTTPClient(cfg.poolSize, 30*time.Second)
	synthBackends := map[string]pipeline.Synthesizer{}
	if cfg.murfAPIKey != "" {
		synthBackends["murf"] = pipeline.NewMurfSynthesizer(cfg.murfURL, cfg.murfAPIKey, cfg.murfVoiceID, synthHTTP)
	}
	if cfg.piperURL != "" {
		synthBackends["piper"] = pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperVoice, cfg.audioDir, "/audio", synthHTTP)
	}
	synthRouter := pipeline.NewSynthRouter(synthBackends, cfg.synthEngine)

	var archive *trace.Store
	if cfg.traceDBURL != "" {
		var err error
		archive, err = trace.Open(cfg.traceDBURL)
		if err != nil {
			slog.Warn("turn archive disabled", "error", err)
			archive = nil
		} else {
			defer archive.Close()
			slog.Info("turn archive enabled")
		}
	}

	pipe := pipeline.New(pipeline.Config{
		STT:          sttClient,
		Reply:        replyRouter,
		Synth:        synthRouter,
		Tracer:       archive,
		StageTimeout: cfg.stageTimeout,
	})

	reporter := buildReporter(cfg)

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Registry:      registry,
		Pipeline:      pipe,
		RecordingsDir: cfg.recordingsDir,
		MaxConcurrent: cfg.maxStreams,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		cfg:       cfg,
		registry:  registry,
		pipe:      pipe,
		reporter:  reporter,
		archive:   archive,
		wsHandler: wsHandler,
	})

	go func() {
		for range time.Tick(15 * time.Second) {
			metrics.SessionsActive.Set(float64(registry.Count()))
		}
	}()

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr, "reply_engines", replyRouter.Engines(), "synth_engines", synthRouter.Engines())

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// buildReporter maps explicit collaborator configuration onto the readiness
// reporter. Defaulted URLs do not count as configured.
func buildReporter(cfg config) *health.Reporter {
	return health.NewReporter(
		health.Dependency{Name: "STT_URL", Set: cfg.sttConfigured},
		health.Dependency{Name: "OLLAMA_URL", Set: cfg.llmConfigured},
		health.Dependency{Name: "MURF_API_KEY", Set: cfg.ttsConfigured},
	)
}
