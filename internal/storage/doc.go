// Package storage is the CampaignStore: campaigns, their send tasks, the
// append-only outcome log and account counters.
//
// Backends:
//   - "memory": process-local reference store (tests, dry runs)
//   - "file":   memory store made durable by a JSON Lines journal + snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every write is safe to repeat. Outcomes are keyed by ID so a retried append
// never double-counts; RecordOutcome updates the task and appends its outcome
// in one step.
package storage
