package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TelegramSink delivers out-of-band alerts through the Telegram Bot
// API. Used for conditions the primary channel cannot carry, like the
// bridge itself being down.
type TelegramSink struct {
	apiBase string
	token   string
	chatID  string
	http    *http.Client
}

func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		http:    &http.Client{},
	}
}

// NewTelegramSinkWithAPIBase targets a custom API base URL. Useful for
// testing with a mock server.
func NewTelegramSinkWithAPIBase(token, chatID, apiBase string) *TelegramSink {
	s := NewTelegramSink(token, chatID)
	s.apiBase = apiBase
	return s
}

func (s *TelegramSink) Notify(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"chat_id": s.chatID, "text": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage returned %d", resp.StatusCode)
	}
	return nil
}
