package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// BridgeClient talks to the local messaging bridge over HTTP JSON.
type BridgeClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewBridgeClient(baseURL, token string) *BridgeClient {
	return &BridgeClient{baseURL: baseURL, token: token, http: &http.Client{}}
}

type sendRequest struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

// Send posts one message. The caller supplies the deadline.
func (c *BridgeClient) Send(ctx context.Context, address, text string) error {
	body, err := json.Marshal(sendRequest{Address: address, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
