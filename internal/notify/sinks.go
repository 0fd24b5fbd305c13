package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "fetchsched/pkg/logx"
)

// LogSink writes notifications to the structured log. It is always on.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, m Message) error {
	s.log.Warn("operator.notify", logx.String("event", m.Event), logx.String("text", m.Text))
	return nil
}

// TelegramSink sends notifications to one chat through the Bot API.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
		// Send-only: skip getMe at startup and never poll.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := s.bot.Send(s.chat, m.Text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- result{err: err}
	}()
	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
