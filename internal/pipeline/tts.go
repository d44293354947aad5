package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/voicepipe/agent-gateway/internal/metrics"
)

// Synthesizer turns reply text into a playable audio locator (a URL the
// client can fetch).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// SynthRouter dispatches to the correct synthesis backend based on engine name.
type SynthRouter struct {
	*Router[Synthesizer]
}

// NewSynthRouter creates a router with registered synthesis backends and a
// fallback default.
func NewSynthRouter(backends map[string]Synthesizer, fallback string) *SynthRouter {
	return &SynthRouter{Router: NewRouter(backends, fallback)}
}

// Synthesize routes to the correct backend and returns the audio locator.
func (r *SynthRouter) Synthesize(ctx context.Context, text, engine string) (string, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return "", err
	}
	return backend.Synthesize(ctx, text)
}

// --- Murf-style backend (cloud API that hosts the audio and returns its URL) ---

type murfSynthesizer struct {
	url    string
	apiKey string
	voice  string
	client *http.Client
}

// NewMurfSynthesizer creates a client for a speech API that returns a hosted
// audio file URL.
func NewMurfSynthesizer(url, apiKey, voice string, client *http.Client) Synthesizer {
	return &murfSynthesizer{url: url, apiKey: apiKey, voice: voice, client: client}
}

func (m *murfSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(struct {
		VoiceID    string `json:"voiceId"`
		Text       string `json:"text"`
		Format     string `json:"format"`
		SampleRate string `json:"sampleRate"`
	}{VoiceID: m.voice, Text: text, Format: "MP3", SampleRate: "44100"})
	if err != nil {
		return "", fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.url+"/v1/speech/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.StageErrors.WithLabelValues("synthesis", "http").Inc()
		return "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.StageErrors.WithLabelValues("synthesis", "status").Inc()
		return "", fmt.Errorf("tts status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		AudioFile string `json:"audioFile"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode tts response: %w", err)
	}
	if result.AudioFile == "" {
		return "", fmt.Errorf("tts response has no audio file")
	}
	return result.AudioFile, nil
}

// --- Piper backend (local neural TTS returning WAV bytes, stored locally) ---

type piperSynthesizer struct {
	url     string
	voice   string
	dir     string
	urlBase string
	client  *http.Client
}

// NewPiperSynthesizer creates a client for a piper-tts server. Synthesized
// WAV bytes are written under dir and addressed as urlBase/<id>.wav.
func NewPiperSynthesizer(url, voice, dir, urlBase string, client *http.Client) Synthesizer {
	return &piperSynthesizer{url: url, voice: voice, dir: dir, urlBase: urlBase, client: client}
}

func (p *piperSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: p.voice})
	if err != nil {
		return "", fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.StageErrors.WithLabelValues("synthesis", "http").Inc()
		return "", fmt.Errorf("piper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.StageErrors.WithLabelValues("synthesis", "status").Inc()
		return "", fmt.Errorf("piper status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read piper response: %w", err)
	}

	name := uuid.NewString() + ".wav"
	if err = os.WriteFile(filepath.Join(p.dir, name), wav, 0o644); err != nil {
		return "", fmt.Errorf("write synthesized audio: %w", err)
	}
	return p.urlBase + "/" + name, nil
}
