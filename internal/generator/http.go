package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGenerator forwards a Request to an LLM collaborator reachable over
// plain HTTP, posting a JSON payload and decoding a JSON reply.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

type httpHistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type httpRequestPayload struct {
	SystemPrompt  string             `json:"system_prompt"`
	ImageBase64   string             `json:"image_base64,omitempty"`
	ImageMimeType string             `json:"image_mime_type,omitempty"`
	History       []httpHistoryTurn  `json:"history,omitempty"`
	Transcript    string             `json:"transcript"`
}

type httpResponsePayload struct {
	Text string `json:"text"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if g.url == "" {
		return "", fmt.Errorf("generator http url is not configured")
	}

	payload := httpRequestPayload{
		SystemPrompt:  req.SystemPrompt,
		ImageMimeType: req.ImageMimeType,
		Transcript:    req.Transcript,
	}
	if len(req.ImageBytes) > 0 {
		payload.ImageBase64 = base64.StdEncoding.EncodeToString(req.ImageBytes)
	}
	for _, t := range req.History {
		payload.History = append(payload.History, httpHistoryTurn{Role: t.Role, Text: t.Text})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal generator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("generator http status %d: %s", res.StatusCode, string(errBody))
	}

	var parsed httpResponsePayload
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}
