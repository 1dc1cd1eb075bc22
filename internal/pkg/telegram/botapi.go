package telegram

import (
	"context"
	"errors"
	"fmt"

	"datasync/internal/pkg/httpclient"
)

const defaultBaseURL = "https://api.telegram.org"

// BotAPI is a minimal Telegram Bot API client for outbound alerts.
type BotAPI struct {
	client *httpclient.Client
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewBotAPI creates a client for token. baseURL may be empty.
func NewBotAPI(token, baseURL string) *BotAPI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &BotAPI{client: httpclient.New().WithBaseURL(baseURL + "/bot" + token)}
}

// Call makes a raw API call and fails when Telegram answers ok=false.
func (b *BotAPI) Call(ctx context.Context, method string, params map[string]interface{}) error {
	var resp apiResponse
	if err := b.client.PostJSON(ctx, "/"+method, params, &resp); err != nil {
		return fmt.Errorf("telegram API call %s failed: %w", method, err)
	}
	if !resp.OK {
		if resp.Description == "" {
			return errors.New("telegram api call failed")
		}
		return errors.New(resp.Description)
	}
	return nil
}

// SendMessage sends an HTML formatted text message.
func (b *BotAPI) SendMessage(ctx context.Context, chatID, text string) error {
	return b.Call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
}
