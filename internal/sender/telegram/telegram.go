// Package telegram sends campaign messages through Telegram bot accounts.
//
// Each account's Credentials is a bot token; a recipient is a numeric chat id
// or an @channel username.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaignd/internal/campaign"
	"campaignd/internal/sender"
	logx "campaignd/pkg/logx"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL    string
	ParseMode string
	Timeout   time.Duration
}

type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	bots map[string]messenger

	// newBot is replaced in tests.
	newBot func(token string) (messenger, error)
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	a := &Adapter{cfg: cfg, log: log, bots: map[string]messenger{}}
	a.newBot = a.dial
	return a
}

func (a *Adapter) dial(token string) (messenger, error) {
	b, err := tele.NewBot(tele.Settings{
		URL:     a.cfg.APIURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: a.cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Adapter) bot(token string) (messenger, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := a.newBot(token)
	if err != nil {
		return nil, err
	}
	a.bots[token] = b
	return b, nil
}

// Forget drops the cached bot of a revoked token.
func (a *Adapter) Forget(token string) {
	a.mu.Lock()
	delete(a.bots, token)
	a.mu.Unlock()
}

type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func (a *Adapter) Send(ctx context.Context, req sender.Request) error {
	token := strings.TrimSpace(req.Account.Credentials)
	if token == "" {
		return sender.AuthInvalid(errors.New("telegram: account has no bot token"))
	}
	to := strings.TrimSpace(req.Recipient)
	if to == "" {
		return sender.PermanentRecipient(errors.New("telegram: empty recipient"))
	}
	b, err := a.bot(token)
	if err != nil {
		return sender.AuthInvalid(fmt.Errorf("telegram: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return sender.Transient(err)
	}

	var opts []interface{}
	if a.cfg.ParseMode != "" {
		opts = append(opts, &tele.SendOptions{ParseMode: tele.ParseMode(a.cfg.ParseMode)})
	}

	// telebot calls are not context aware; the http client timeout bounds them.
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(chatRef(to), req.Payload, opts...)
		done <- err
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		return sender.Transient(ctx.Err())
	}
	if err == nil {
		return nil
	}
	classified := classify(err)
	if k, _ := sender.Classify(classified); k == campaign.ResultAuthInvalid {
		a.Forget(token)
	}
	return classified
}

func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return sender.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		return sender.AuthInvalid(err)
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrNotStartedByUser):
		return sender.PermanentRecipient(err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusUnauthorized:
			return sender.AuthInvalid(err)
		case te.Code == http.StatusTooManyRequests:
			return sender.RateLimited(err, 0)
		case te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden:
			return sender.PermanentRecipient(err)
		}
	}
	return sender.Transient(err)
}
