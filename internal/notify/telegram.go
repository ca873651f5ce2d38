package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avgbot/internal/logger"
)

// Telegram шлёт сообщения в чат через Bot API. Отправка не блокирует
// вызывающего: ошибки доставки только логируются.
type Telegram struct {
	token  string
	chatID string
	client *http.Client
	log    *logger.Logger
}

func NewTelegram(token, chatID string, log *logger.Logger) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (t *Telegram) Enabled() bool {
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) Notify(text string) {
	if !t.Enabled() || strings.TrimSpace(text) == "" {
		return
	}
	go t.send(text)
}

func (t *Telegram) send(text string) {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {text},
	}
	resp, err := t.client.PostForm(endpoint, form)
	if err != nil {
		t.log.WithComponent("notify").WithError(err).Warn("Уведомление в Telegram не отправлено.")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.log.WithComponent("notify").WithField("status", resp.StatusCode).Warn("Telegram ответил ошибкой на уведомление.")
	}
}
