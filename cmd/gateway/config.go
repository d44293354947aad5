package main

import (
	"os"
	"strconv"
	"time"
)

const defaultSystemPrompt = "You are a helpful voice assistant. Keep responses concise and conversational."

type config struct {
	port string

	sttURL    string
	sttAPIKey string

	ollamaURL    string
	ollamaModel  string
	openaiURL    string
	openaiAPIKey string
	openaiModel  string
	replyEngine  string
	systemPrompt string
	maxTokens    int

	murfURL     string
	murfAPIKey  string
	murfVoiceID string
	piperURL    string
	piperVoice  string
	synthEngine string

	poolSize       int
	stageTimeout   time.Duration
	maxStreams     int
	maxUploadBytes int64

	recordingsDir string
	audioDir      string
	traceDBURL    string

	// Readiness flags. The URL fields above fall back to local defaults so
	// the binary always has something to dial; these record whether the
	// operator actually configured each collaborator.
	sttConfigured bool
	llmConfigured bool
	ttsConfigured bool
}

func loadConfig() config {
	cfg := config{
		port: envStr("GATEWAY_PORT", "8000"),

		sttURL:    envStr("STT_URL", "http://localhost:8178"),
		sttAPIKey: envStr("STT_API_KEY", ""),

		ollamaURL:    envStr("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:  envStr("OLLAMA_MODEL", "llama3.2:3b"),
		openaiURL:    envStr("OPENAI_URL", "https://api.openai.com"),
		openaiAPIKey: envStr("OPENAI_API_KEY", ""),
		openaiModel:  envStr("OPENAI_MODEL", "gpt-4o-mini"),
		replyEngine:  envStr("REPLY_ENGINE", "ollama"),
		systemPrompt: envStr("LLM_SYSTEM_PROMPT", defaultSystemPrompt),
		maxTokens:    envInt("LLM_MAX_TOKENS", 150),

		murfURL:     envStr("MURF_URL", "https://api.murf.ai"),
		murfAPIKey:  envStr("MURF_API_KEY", ""),
		murfVoiceID: envStr("MURF_VOICE_ID", "en-US-natalie"),
		piperURL:    envStr("PIPER_URL", ""),
		piperVoice:  envStr("PIPER_VOICE", "en_US-lessac-medium"),
		synthEngine: envStr("SYNTH_ENGINE", "murf"),

		poolSize:       envInt("HTTP_POOL_SIZE", 50),
		stageTimeout:   time.Duration(envInt("STAGE_TIMEOUT_SECONDS", 30)) * time.Second,
		maxStreams:     envInt("MAX_CONCURRENT_STREAMS", 100),
		maxUploadBytes: int64(envInt("MAX_UPLOAD_MB", 25)) << 20,

		recordingsDir: envStr("RECORDINGS_DIR", "recordings"),
		audioDir:      envStr("AUDIO_DIR", "audio"),
		traceDBURL:    envStr("TRACE_DB_URL", ""),
	}

	cfg.sttConfigured = os.Getenv("STT_URL") != ""
	cfg.llmConfigured = os.Getenv("OLLAMA_URL") != "" || cfg.openaiAPIKey != ""
	cfg.ttsConfigured = cfg.murfAPIKey != "" || cfg.piperURL != ""
	return cfg
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
