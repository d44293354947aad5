package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicepipe/agent-gateway/internal/metrics"
	"github.com/voicepipe/agent-gateway/internal/session"
)

// ReplyGenerator produces an assistant reply from the full ordered
// conversation history, whose last entry is the current user turn.
type ReplyGenerator interface {
	Reply(ctx context.Context, history []session.Turn) (string, error)
}

// ReplyRouter dispatches to the correct reply backend based on engine name.
type ReplyRouter struct {
	*Router[ReplyGenerator]
}

// NewReplyRouter creates a router with registered reply backends and a fallback default.
func NewReplyRouter(backends map[string]ReplyGenerator, fallback string) *ReplyRouter {
	return &ReplyRouter{Router: NewRouter(backends, fallback)}
}

// Reply routes to the correct backend and generates the assistant reply.
func (r *ReplyRouter) Reply(ctx context.Context, history []session.Turn, engine string) (string, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return "", err
	}
	return backend.Reply(ctx, history)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// historyMessages converts the session history to wire messages, prepending
// the system prompt.
func historyMessages(systemPrompt string, history []session.Turn) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, t := range history {
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	return messages
}

// --- Ollama backend ---

// OllamaReplyClient generates chat completions from an Ollama server.
type OllamaReplyClient struct {
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	client       *http.Client
}

// NewOllamaReplyClient creates an Ollama HTTP client.
func NewOllamaReplyClient(url, model, systemPrompt string, maxTokens, poolSize int) *OllamaReplyClient {
	return &OllamaReplyClient{
		url:          url,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Reply sends the conversation to Ollama and returns the assistant message.
func (c *OllamaReplyClient) Reply(ctx context.Context, history []session.Turn) (string, error) {
	reqBody := struct {
		Model    string        `json:"model"`
		Stream   bool          `json:"stream"`
		Messages []chatMessage `json:"messages"`
		Options  struct {
			NumPredict int `json:"num_predict"`
		} `json:"options"`
	}{
		Model:    c.model,
		Messages: historyMessages(c.systemPrompt, history),
	}
	reqBody.Options.NumPredict = c.maxTokens

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.StageErrors.WithLabelValues("reply", "http").Inc()
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.StageErrors.WithLabelValues("reply", "status").Inc()
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Message chatMessage `json:"message"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// --- OpenAI-compatible backend (any server exposing /v1/chat/completions) ---

// OpenAIReplyClient generates chat completions from an OpenAI-compatible API.
type OpenAIReplyClient struct {
	url          string
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int
	client       *http.Client
}

// NewOpenAIReplyClient creates a client for an OpenAI-compatible chat API.
func NewOpenAIReplyClient(url, apiKey, model, systemPrompt string, maxTokens, poolSize int) *OpenAIReplyClient {
	return &OpenAIReplyClient{
		url:          url,
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

// Reply sends the conversation to the chat completions endpoint.
func (c *OpenAIReplyClient) Reply(ctx context.Context, history []session.Turn) (string, error) {
	bodyBytes, err := json.Marshal(map[string]any{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages":   historyMessages(c.systemPrompt, history),
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.StageErrors.WithLabelValues("reply", "http").Inc()
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.StageErrors.WithLabelValues("reply", "status").Inc()
		return "", fmt.Errorf("chat status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
