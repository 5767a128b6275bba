package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

const defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// HTTPInvoker calls an OpenAI-compatible chat completions endpoint.
type HTTPInvoker struct {
	apiKey       string
	defaultModel string
	baseURL      string
	httpClient   *http.Client
}

func NewHTTPInvoker(apiKey, model, baseURL string) *HTTPInvoker {
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	return &HTTPInvoker{
		apiKey:       apiKey,
		defaultModel: model,
		baseURL:      baseURL,
		httpClient:   &http.Client{},
	}
}

func (c *HTTPInvoker) Name() string { return "openai" }

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPInvoker) Invoke(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", classify.Errorf(domain.CategoryAccessDenied, "OPENAI_API_KEY is required")
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature:    0,
		ResponseFormat: map[string]any{"type": "json_object"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", classify.Wrap(domain.CategoryInvalidInput, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", classify.Wrap(domain.CategoryInvalidInput, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classify.Wrap(domain.CategoryTransient, "openai request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify.Wrap(domain.CategoryTransient, "read openai response", err)
	}

	var parsed chatCompletionResponse
	parseErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if parseErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", classify.Errorf(classify.FromHTTPStatus(resp.StatusCode), "openai request failed: %s", msg)
	}
	if parseErr != nil {
		return "", classify.Wrap(domain.CategoryInternal, "parse openai response", parseErr)
	}
	if len(parsed.Choices) == 0 {
		return "", classify.Errorf(domain.CategoryInternal, "openai returned zero choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", classify.Errorf(domain.CategoryInternal, "openai returned empty content")
	}
	return content, nil
}
