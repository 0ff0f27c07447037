package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Oracle produces a raw JSON rating for a prompt.
type Oracle interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OllamaOption customizes the client.
type OllamaOption func(*OllamaClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) OllamaOption {
	return func(c *OllamaClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// OllamaClient calls a local Ollama generate endpoint in JSON mode.
type OllamaClient struct {
	endpoint   string
	model      string
	numGPU     int
	httpClient *http.Client
}

// NewOllamaClient builds a client from the scoring config.
func NewOllamaClient(cfg Config, opts ...OllamaOption) *OllamaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	c := &OllamaClient{
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		model:      strings.TrimSpace(cfg.Model),
		numGPU:     cfg.NumGPU,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumGPU int `json:"num_gpu"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("oracle request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

var _ Oracle = (*OllamaClient)(nil)

// Generate posts the prompt and returns the model's response text.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Format:  "json",
		Options: generateOptions{NumGPU: c.numGPU},
	})
	if err != nil {
		return "", fmt.Errorf("encode oracle request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read oracle response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode oracle envelope: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("oracle error: %s", out.Error)
	}
	return out.Response, nil
}
