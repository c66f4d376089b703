// Package telegram delivers operator alerts through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint. Empty means api.telegram.org.
	URL     string
	Timeout time.Duration
}

// Sender is send-only: it never polls for updates.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

// SendAlert posts text to chatID, inside threadID when it is a forum topic.
func (s *Sender) SendAlert(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chatID == 0 {
		return errors.New("telegram: alert chat id is not set")
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}
	if _, err := s.bot.Send(&tele.Chat{ID: chatID}, text, opt); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Relay forwards post.failed events to the alert chat until ctx ends.
// Error-level conditions already reach the chat through the log sink.
func (s *Sender) Relay(ctx context.Context, bus eventbus.Bus, chatID int64, threadID int) error {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.PostFailed {
				continue
			}
			pe, ok := ev.Data.(eventbus.PostEvent)
			if !ok {
				continue
			}
			if err := s.SendAlert(ctx, chatID, threadID, FormatFailure(pe)); err != nil {
				s.log.Warn("failure relay send failed", logx.String("post", pe.PostID), logx.Err(err))
			}
		}
	}
}

func FormatFailure(pe eventbus.PostEvent) string {
	var b strings.Builder
	b.WriteString("Post failed\n")
	fmt.Fprintf(&b, "post: %s\nuser: %s\n", pe.PostID, pe.UserID)
	if pe.Error != "" {
		msg := pe.Error
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		b.WriteString("error: " + msg)
	}
	return strings.TrimRight(b.String(), "\n")
}
