package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/voicepipe/agent-gateway/internal/audio"
	"github.com/voicepipe/agent-gateway/internal/metrics"
)

// Transcriber produces a transcript from one finalized audio blob.
type Transcriber interface {
	Transcribe(ctx context.Context, blob []byte, encoding string) (string, error)
}

// MultipartSTTClient sends the finalized blob as a multipart file upload to a
// whisper-compatible HTTP transcription endpoint and returns the transcript.
type MultipartSTTClient struct {
	url      string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewMultipartSTTClient creates a client for an HTTP transcription service.
// The API key, if set, is sent as a Bearer token.
func NewMultipartSTTClient(url, apiKey string, poolSize int) *MultipartSTTClient {
	return &MultipartSTTClient{
		url:      url,
		endpoint: "/inference",
		apiKey:   apiKey,
		client:   NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Transcribe uploads the blob and decodes the transcription response.
func (c *MultipartSTTClient) Transcribe(ctx context.Context, blob []byte, encoding string) (string, error) {
	body, contentType, err := buildMultipartAudio(blob, encoding)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create stt request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.StageErrors.WithLabelValues("transcription", "http").Inc()
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.StageErrors.WithLabelValues("transcription", "status").Inc()
		return "", fmt.Errorf("stt status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return result.Text, nil
}

func buildMultipartAudio(blob []byte, encoding string) (*bytes.Buffer, string, error) {
	format, err := audio.Normalize(encoding)
	if err != nil {
		format = audio.Sniff(blob)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="audio%s"`, audio.Ext(format)))
	if encoding != "" {
		hdr.Set("Content-Type", encoding)
	}
	part, err := writer.CreatePart(hdr)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}

	if _, err = part.Write(blob); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
