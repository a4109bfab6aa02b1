// Package llm provides the OpenAI-compatible backend client and the
// tiered router that decides, per cycle, whether the paid persistent
// session or a free/local backend handles the prompt.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/session"
)

// activityTimeout bounds a single HTTP round trip. The absolute cycle
// timeout is enforced by the caller's context.
const activityTimeout = 10 * time.Minute

// Client speaks the /v1/chat/completions wire format of one backend.
type Client struct {
	backend config.BackendConfig
	http    *http.Client
}

// NewClient creates a client for one configured backend.
func NewClient(backend config.BackendConfig) *Client {
	return &Client{
		backend: backend,
		http:    &http.Client{Timeout: activityTimeout},
	}
}

// Backend returns the backend this client talks to.
func (c *Client) Backend() config.BackendConfig { return c.backend }

// Completion is one model response with usage accounting. CostUSD is
// zero when the backend does not report cost.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Model        string
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		Cost             float64 `json:"cost"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the conversation and returns the model reply.
// Transient failures (network, 429, 5xx) are retried with exponential
// backoff; anything else fails immediately.
func (c *Client) Complete(ctx context.Context, messages []session.Message) (*Completion, error) {
	wireMessages := make([]chatMessage, len(messages))
	for i, m := range messages {
		wireMessages[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	body, err := json.Marshal(chatRequest{Model: c.backend.Model, Messages: wireMessages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	var completion *Completion
	operation := func() error {
		completion, err = c.doRequest(ctx, body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return completion, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) (*Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.backend.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.backend.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.backend.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // network errors are retryable
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("backend %s returned %d", c.backend.Name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("backend %s returned %d: %s",
			c.backend.Name, resp.StatusCode, truncate(string(data), 200)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode chat response: %w", err))
	}
	if parsed.Error != nil {
		return nil, backoff.Permanent(fmt.Errorf("backend %s error: %s", c.backend.Name, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("backend %s returned no choices", c.backend.Name))
	}

	model := parsed.Model
	if model == "" {
		model = c.backend.Model
	}
	return &Completion{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		CostUSD:      parsed.Usage.Cost,
		Model:        model,
	}, nil
}

// Healthy probes the backend's model listing with a short deadline.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.backend.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	if c.backend.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.backend.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
