// Package stream talks to an OpenAI-compatible chat-completions endpoint
// and decodes its server-sent-events response into deltas.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/mathsolver/core/internal/chat/model"
	logx "github.com/mathsolver/core/pkg/logger"
)

// maxErrorBody bounds how much of a non-2xx body is kept for diagnostics.
const maxErrorBody = 64 * 1024

// StatusError is returned before any decoding when the endpoint answers
// with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed (%d): %s", e.StatusCode, e.Body)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type pingRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

// Client opens streaming completions. The zero value is not usable; use NewClient.
type Client struct {
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client. No timeout is set by default:
// a completion may stream for minutes, so deadlines belong to the caller's context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream posts messages and returns a Decoder over the response body. The
// caller owns the Decoder and must drain or Close it.
func (c *Client) Stream(ctx context.Context, cfg model.APIConfig, messages []*schema.Message) (*Decoder, error) {
	body := completionRequest{
		Model:       cfg.Model,
		Messages:    toWire(messages),
		Stream:      true,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	resp, err := c.post(ctx, cfg, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	logx.Debug().Str("model", cfg.Model).Int("messages", len(messages)).Msg("completion stream opened")
	return NewDecoder(resp.Body), nil
}

// Ping checks the configuration with a tiny non-streaming request.
func (c *Client) Ping(ctx context.Context, cfg model.APIConfig) error {
	body := pingRequest{
		Model:     cfg.Model,
		Messages:  []wireMessage{{Role: string(schema.User), Content: "test"}},
		MaxTokens: 5,
	}
	resp, err := c.post(ctx, cfg, body, "application/json")
	if err != nil {
		logx.Warn().Err(err).Str("endpoint", cfg.Endpoint).Msg("API connection test failed")
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// post sends the request and returns the response only for 2xx statuses.
func (c *Client) post(ctx context.Context, cfg model.APIConfig, payload any, accept string) (*http.Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logx.Error().Int("status", resp.StatusCode).Str("endpoint", cfg.Endpoint).Msg("API request failed")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	return resp, nil
}

func toWire(messages []*schema.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
