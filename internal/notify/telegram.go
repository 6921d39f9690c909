package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram is a minimal Bot API client covering the send methods the
// service needs.
type Telegram struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		baseURL: defaultTelegramAPI,
		token:   token,
		// Video uploads over mobile-grade links can be slow.
		httpc: &http.Client{Timeout: 2 * time.Minute},
	}
}

// NewTelegramWithBaseURL is used by tests to point at a stub server.
func NewTelegramWithBaseURL(token, baseURL string) *Telegram {
	t := NewTelegram(token)
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t
}

// Text implements Notifier.
func (t *Telegram) Text(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req)
}

// RegisterWebhook points the Bot API at webhookURL so updates are pushed
// instead of polled. Called once at startup when a public URL is
// configured.
func (t *Telegram) RegisterWebhook(ctx context.Context, webhookURL string) error {
	body, err := json.Marshal(map[string]string{"url": webhookURL})
	if err != nil {
		return fmt.Errorf("marshal webhook registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("setWebhook"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook registration: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req)
}

// Photo implements Notifier.
func (t *Telegram) Photo(ctx context.Context, chatID int64, caption string, data []byte) error {
	return t.upload(ctx, "sendPhoto", "photo", "result.jpg", chatID, caption, data)
}

// Document implements Notifier.
func (t *Telegram) Document(ctx context.Context, chatID int64, caption, filename string, data []byte) error {
	return t.upload(ctx, "sendDocument", "document", filename, chatID, caption, data)
}

// Video implements Notifier.
func (t *Telegram) Video(ctx context.Context, chatID int64, caption string, data []byte) error {
	return t.upload(ctx, "sendVideo", "video", "result.mp4", chatID, caption, data)
}

func (t *Telegram) upload(ctx context.Context, method, field, filename string, chatID int64, caption string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("build upload: %w", err)
		}
	}
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(req)
}

func (t *Telegram) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func (t *Telegram) do(req *http.Request) error {
	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, data)
	}
	return nil
}
