package accountpool

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"campaignd/internal/campaign"
)

// Strategy orders eligible accounts by preference. Pool tries them in the
// returned order and reports the one it acquired via Picked.
type Strategy interface {
	Order(eligible []campaign.Account) []campaign.Account
	Picked(id string)
}

// NewStrategy builds the strategy named by kind over the pool order ids.
func NewStrategy(kind campaign.RotationStrategy, ids []string, seed int64) (Strategy, error) {
	switch kind {
	case "", campaign.RotateRoundRobin:
		return newRoundRobin(ids), nil
	case campaign.RotateRandom:
		return &randomStrategy{rng: rand.New(rand.NewSource(seed))}, nil
	case campaign.RotateLeastUsed:
		return leastUsed{}, nil
	case campaign.RotateWeighted:
		return &weighted{rng: rand.New(rand.NewSource(seed))}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotation strategy %q", campaign.ErrInvalidConfig, kind)
	}
}

// roundRobin walks the pool in its configured order, starting after the
// last picked account.
type roundRobin struct {
	mu    sync.Mutex
	pos   map[string]int
	n     int
	start int
}

func newRoundRobin(ids []string) *roundRobin {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := pos[id]; !dup {
			pos[id] = i
		}
	}
	return &roundRobin{pos: pos, n: len(ids)}
}

func (r *roundRobin) Order(eligible []campaign.Account) []campaign.Account {
	r.mu.Lock()
	start, n := r.start, r.n
	r.mu.Unlock()
	out := append([]campaign.Account(nil), eligible...)
	dist := func(id string) int {
		p, ok := r.pos[id]
		if !ok || n == 0 {
			return n
		}
		return (p - start + n) % n
	}
	sort.SliceStable(out, func(i, j int) bool { return dist(out[i].ID) < dist(out[j].ID) })
	return out
}

func (r *roundRobin) Picked(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pos[id]; ok && r.n > 0 {
		r.start = (p + 1) % r.n
	}
}

type randomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *randomStrategy) Order(eligible []campaign.Account) []campaign.Account {
	out := append([]campaign.Account(nil), eligible...)
	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

func (s *randomStrategy) Picked(string) {}

// leastUsed prefers the account with the fewest sends today, then the
// lowest id.
type leastUsed struct{}

func (leastUsed) Order(eligible []campaign.Account) []campaign.Account {
	out := append([]campaign.Account(nil), eligible...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ActionsToday != b.ActionsToday {
			return a.ActionsToday < b.ActionsToday
		}
		return a.ID < b.ID
	})
	return out
}

func (leastUsed) Picked(string) {}

// weighted draws accounts proportionally to Weight without replacement.
// Weight <= 0 counts as 1.
type weighted struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (w *weighted) Order(eligible []campaign.Account) []campaign.Account {
	rest := append([]campaign.Account(nil), eligible...)
	out := make([]campaign.Account, 0, len(rest))
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(rest) > 0 {
		total := 0.0
		for _, a := range rest {
			total += weightOf(a)
		}
		x := w.rng.Float64() * total
		idx := len(rest) - 1
		for i, a := range rest {
			x -= weightOf(a)
			if x < 0 {
				idx = i
				break
			}
		}
		out = append(out, rest[idx])
		rest = append(rest[:idx], rest[idx+1:]...)
	}
	return out
}

func (w *weighted) Picked(string) {}

func weightOf(a campaign.Account) float64 {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}
