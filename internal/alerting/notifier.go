package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n storage.Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送告警。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Name implements Notifier.
func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify 调用 sendMessage API 推送渲染后的文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note storage.Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderTelegram(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("alert_id", note.AlertID).Str("asset", note.Data.Asset).Msg("告警已发送 (Telegram)")
	return nil
}

func renderTelegram(note storage.Notification) string {
	var b strings.Builder
	b.WriteString("[APR Alert] ")
	b.WriteString(note.Title)
	b.WriteString("\n")
	b.WriteString(note.Message)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Platform: %s\n", note.Data.Platform)
	fmt.Fprintf(&b, "Current APR: %s%%\n", note.Data.CurrentAPR.StringFixed(2))
	fmt.Fprintf(&b, "Threshold: %s %s%%\n", note.Data.AlertType, note.Data.Threshold.String())
	fmt.Fprintf(&b, "At: %s UTC", note.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
