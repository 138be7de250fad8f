// Package openai calls the chat completions endpoint in JSON mode.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"mailpulse/pkg/circuitbreaker"
	"mailpulse/pkg/metrics"
)

const provider = "openai"

var ErrEmptyCompletion = errors.New("openai returned no content")

type Config struct {
	BaseURL string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Model   string        `yaml:"model" env:"OPENAI_MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"OPENAI_TIMEOUT"`
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
		IsFailure: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Retryable()
			}
			return !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         circuitbreaker.NewCircuitBreaker(provider, cbConfig),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model          string            `json:"model"`
	Messages       []message         `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	Temperature    float64           `json:"temperature"`
}

// CompleteJSON sends one system + user prompt and returns the raw JSON object
// the model produced. The content is not validated beyond being non-empty.
func (c *Client) CompleteJSON(ctx context.Context, apiKey, system, user string) ([]byte, error) {
	body, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		Temperature:    0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	var content string
	err = c.cb.Execute(func() error {
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build openai request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordExternalCall(provider, "chat_completions", "error", time.Since(start))
			return fmt.Errorf("failed to call openai: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		metrics.RecordExternalCall(provider, "chat_completions", strconv.Itoa(resp.StatusCode), time.Since(start))
		if err != nil {
			return fmt.Errorf("failed to read openai response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			msg := gjson.GetBytes(data, "error.message").String()
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}

		content = gjson.GetBytes(data, "choices.0.message.content").String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, ErrEmptyCompletion
	}
	return []byte(content), nil
}
