// Package eventbus is an in-process fanout of campaign lifecycle events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"campaignd/internal/campaign"
)

// Event types.
const (
	CampaignState    = "campaign.state"
	CampaignStalled  = "campaign.stalled"
	CampaignHalted   = "campaign.halted"
	TaskOutcome      = "task.outcome"
	AccountSuspended = "account.suspended"
	AccountCooldown  = "account.cooldown"
)

// Event is a small in-memory signal.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// StateChange is the Data of CampaignState, CampaignStalled and CampaignHalted.
type StateChange struct {
	CampaignID string
	From       campaign.State
	To         campaign.State
	Reason     string
}

// AccountChange is the Data of AccountSuspended and AccountCooldown.
type AccountChange struct {
	AccountID  string
	CampaignID string
	Cause      campaign.ResultKind
	Until      time.Time
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes a concurrent Publish.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
