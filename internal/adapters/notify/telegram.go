package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const telegramAPIURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram Bot API sender.
type TelegramConfig struct {
	Token   string
	ChatIDs []string
	BaseURL string // Defaults to the public Bot API
	Timeout time.Duration
	// Bot API allows roughly 30 messages per second per bot.
	MessagesPerSecond int
}

// Telegram sends notifications through the Telegram Bot API sendMessage call.
type Telegram struct {
	token   string
	chatIDs []string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewTelegram creates a Telegram sender.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("at least one telegram chat id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 25
	}
	return &Telegram{
		token:   cfg.Token,
		chatIDs: cfg.ChatIDs,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1),
	}, nil
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send delivers text to every configured chat. Failures for individual chats
// are joined into the returned error.
func (t *Telegram) Send(ctx context.Context, text string) error {
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := t.sendTo(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) sendTo(ctx context.Context, chatID, text string) error {
	op := "Telegram.sendMessage"
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return fmt.Errorf("%s failed: status %d: %w", op, resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("%s failed: status %d: %s", op, resp.StatusCode, out.Description)
	}
	return nil
}
