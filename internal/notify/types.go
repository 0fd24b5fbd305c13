package notify

import (
	"context"
	"time"
)

type TelegramConfig struct {
	Enabled bool
	Token   string
	ChatID  int64
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Config controls operator notifications.
type Config struct {
	Enabled     bool
	RatePerSec  float64
	Burst       int
	QueueSize   int
	DedupWindow time.Duration
	Telegram    TelegramConfig
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Message is one operator notification.
type Message struct {
	Event string
	Text  string
	At    time.Time
}

// Sink delivers a message somewhere an operator will see it.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Event string    `json:"event"`
	Text  string    `json:"text"`
	Sinks []string  `json:"sinks,omitempty"`
	Error string    `json:"error,omitempty"`
}
