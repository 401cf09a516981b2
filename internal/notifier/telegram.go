package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points alerts at an operator chat.
type TelegramConfig struct {
	Token    string
	ChatID   string
	ThreadID int
	APIURL   string
	Timeout  time.Duration
}

type poster interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink posts alerts with a dedicated bot.
type TelegramSink struct {
	bot  poster
	chat string
	opts *tele.SendOptions
}

type operatorChat string

func (c operatorChat) Recipient() string { return string(c) }

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("notifier.telegram: token and chat_id are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   strings.TrimSpace(cfg.Token),
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{
		bot:  b,
		chat: strings.TrimSpace(cfg.ChatID),
		opts: &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

func (t *TelegramSink) Deliver(ctx context.Context, text string) error {
	// telebot is not context aware; the client timeout bounds the call.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(operatorChat(t.chat), text, t.opts)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
