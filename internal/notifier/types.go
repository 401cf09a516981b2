package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Priority orders alerts; higher is more urgent.
type Priority int

const (
	PriorityInfo  Priority = 5
	PriorityWarn  Priority = 7
	PriorityAlert Priority = 9
)

// Alert is one operator message.
type Alert struct {
	Priority Priority
	// Key groups alerts for dedup; empty disables dedup for the alert.
	Key  string
	Text string
}

// Sink delivers a rendered alert.
type Sink interface {
	Deliver(ctx context.Context, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) Deliver(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time
	Text string
}
