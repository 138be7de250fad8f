// Package ghl is a small client for the GoHighLevel messaging and contacts API.
package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"mailpulse/pkg/circuitbreaker"
	"mailpulse/pkg/metrics"
	"mailpulse/pkg/trace"
)

const provider = "ghl"

// ErrMissingMessageID means the provider accepted the request but returned
// no message id, so the send cannot be reconciled later.
var ErrMissingMessageID = errors.New("ghl response has no message id")

type Config struct {
	BaseURL string        `yaml:"base_url" env:"GHL_BASE_URL"`
	Version string        `yaml:"version" env:"GHL_API_VERSION"`
	Timeout time.Duration `yaml:"timeout" env:"GHL_TIMEOUT"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ghl returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable is true for throttling and server side errors.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "2021-07-28"
	}

	cbConfig := circuitbreaker.DefaultConfig()
	// 4xx 是调用方的问题，不计入熔断
	cbConfig.IsFailure = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Retryable()
		}
		return !errors.Is(err, context.Canceled)
	}
	cbConfig.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		version:    cfg.Version,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         circuitbreaker.NewCircuitBreaker(provider, cbConfig),
		logger:     logger,
	}
}

// OutboundEmail is one message to a single contact.
type OutboundEmail struct {
	ContactID string
	Subject   string
	HTML      string
	Text      string
}

type sendRequest struct {
	Type      string `json:"type"`
	ContactID string `json:"contactId"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Message   string `json:"message,omitempty"`
}

// SendEmail sends msg and returns the provider message id.
func (c *Client) SendEmail(ctx context.Context, token string, msg OutboundEmail) (string, error) {
	body, err := json.Marshal(sendRequest{
		Type:      "Email",
		ContactID: msg.ContactID,
		Subject:   msg.Subject,
		HTML:      msg.HTML,
		Message:   msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal send request: %w", err)
	}

	resp, err := c.do(ctx, "send_email", http.MethodPost, "/conversations/messages", token, body)
	if err != nil {
		return "", err
	}

	messageID := gjson.GetBytes(resp, "messageId").String()
	if messageID == "" {
		messageID = gjson.GetBytes(resp, "emailMessageId").String()
	}
	if messageID == "" {
		return "", ErrMissingMessageID
	}
	return messageID, nil
}

// RemoteContact is a contact as GHL returns it.
type RemoteContact struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	Tags         []string
	CustomFields map[string]string
}

type ContactPage struct {
	Contacts []RemoteContact
	// NextStartAfterID is empty on the last page.
	NextStartAfterID string
}

// ListContacts returns one page of contacts of locationID.
func (c *Client) ListContacts(ctx context.Context, token, locationID, startAfterID string, limit int) (ContactPage, error) {
	q := url.Values{}
	q.Set("locationId", locationID)
	q.Set("limit", strconv.Itoa(limit))
	if startAfterID != "" {
		q.Set("startAfterId", startAfterID)
	}

	resp, err := c.do(ctx, "list_contacts", http.MethodGet, "/contacts/?"+q.Encode(), token, nil)
	if err != nil {
		return ContactPage{}, err
	}
	return parseContactPage(resp, limit), nil
}

func parseContactPage(body []byte, limit int) ContactPage {
	var page ContactPage
	gjson.GetBytes(body, "contacts").ForEach(func(_, v gjson.Result) bool {
		rc := RemoteContact{
			ID:           v.Get("id").String(),
			Email:        v.Get("email").String(),
			FirstName:    v.Get("firstName").String(),
			LastName:     v.Get("lastName").String(),
			Tags:         []string{},
			CustomFields: map[string]string{},
		}
		v.Get("tags").ForEach(func(_, tag gjson.Result) bool {
			if s := tag.String(); s != "" {
				rc.Tags = append(rc.Tags, s)
			}
			return true
		})
		v.Get("customFields").ForEach(func(_, f gjson.Result) bool {
			if id := f.Get("id").String(); id != "" {
				rc.CustomFields[id] = f.Get("value").String()
			}
			return true
		})
		page.Contacts = append(page.Contacts, rc)
		return true
	})

	next := gjson.GetBytes(body, "meta.startAfterId").String()
	if len(page.Contacts) > 0 && len(page.Contacts) >= limit && next != "" {
		page.NextStartAfterID = next
	}
	return page
}

func (c *Client) do(ctx context.Context, endpoint, method, path, token string, body []byte) ([]byte, error) {
	var out []byte
	err := c.cb.Execute(func() error {
		start := time.Now()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build ghl request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Version", c.version)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName, traceID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordExternalCall(provider, endpoint, "error", time.Since(start))
			return fmt.Errorf("failed to call ghl %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		metrics.RecordExternalCall(provider, endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
		if err != nil {
			return fmt.Errorf("failed to read ghl response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
		}
		out = data
		return nil
	})
	return out, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
