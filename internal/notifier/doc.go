// Package notifier turns campaign lifecycle events into operator alerts.
//
// It subscribes to the event bus, keeps the high-signal events (a campaign
// stalled, halted, finished or was cancelled; an account was suspended) and
// delivers them to a Sink through a small queue with a worker pool, a rate
// limit, retries and a dedup window.
//
// # Sink
//
// Delivery is delegated to a Sink. TelegramSink posts to an operator chat
// with a dedicated bot token, separate from the campaign accounts.
//
// # History
//
// The service keeps a short in-memory history of delivered alerts.
package notifier
