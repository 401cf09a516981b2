package accountpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"campaignd/internal/campaign"
	logx "campaignd/pkg/logx"
)

// Persister writes account counters back to the campaign store.
type Persister interface {
	UpdateAccount(ctx context.Context, a campaign.Account) error
}

// Locker guards an account across processes. The in-process busy flag is
// always used; a Locker only adds a cross-process guarantee.
type Locker interface {
	TryLock(ctx context.Context, accountID string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Registry owns every account known to the process. Campaigns that share an
// account share its counters through the Registry.
type Registry struct {
	store   Persister
	locker  Locker
	lockTTL time.Duration
	log     logx.Logger

	mu    sync.RWMutex
	slots map[string]*slot
}

type slot struct {
	mu   sync.Mutex
	acct campaign.Account
	busy bool
}

type RegistryOption func(*Registry)

func WithLocker(l Locker, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func WithLogger(log logx.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(store Persister, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		lockTTL: 2 * time.Minute,
		log:     logx.Nop(),
		slots:   map[string]*slot{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load adds accounts not yet known. Known accounts keep their live counters.
func (r *Registry) Load(accts ...campaign.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range accts {
		if a.ID == "" {
			continue
		}
		if _, ok := r.slots[a.ID]; ok {
			continue
		}
		if a.State == "" {
			a.State = campaign.AccountActive
		}
		r.slots[a.ID] = &slot{acct: a.Clone()}
	}
}

func (r *Registry) slot(id string) *slot {
	r.mu.RLock()
	s := r.slots[id]
	r.mu.RUnlock()
	return s
}

// Get returns a copy of the account.
func (r *Registry) Get(id string) (campaign.Account, bool) {
	s := r.slot(id)
	if s == nil {
		return campaign.Account{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct.Clone(), true
}

// List returns copies of all accounts sorted by ID.
func (r *Registry) List() []campaign.Account {
	r.mu.RLock()
	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	out := make([]campaign.Account, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// Update applies fn under the account lock and persists the result.
func (r *Registry) Update(ctx context.Context, id string, fn func(*campaign.Account)) (campaign.Account, error) {
	s := r.slot(id)
	if s == nil {
		return campaign.Account{}, campaign.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.acct)
	out := s.acct.Clone()
	return out, r.persist(ctx, out)
}

// Suspend marks the account as unusable until an operator reactivates it.
func (r *Registry) Suspend(ctx context.Context, id string, now time.Time) error {
	_, err := r.Update(ctx, id, func(a *campaign.Account) {
		a.State = campaign.AccountSuspended
		a.CooldownUntil = time.Time{}
		a.UpdatedAt = now
	})
	if err == nil {
		r.log.Warn("account suspended", logx.String("account", id))
	}
	return err
}

// Cooldown excludes the account until the given time. A longer running
// cooldown is kept; a suspended account stays suspended.
func (r *Registry) Cooldown(ctx context.Context, id string, until, now time.Time) error {
	_, err := r.Update(ctx, id, func(a *campaign.Account) {
		if a.State == campaign.AccountSuspended {
			return
		}
		if a.State == campaign.AccountCooldown && a.CooldownUntil.After(until) {
			return
		}
		a.State = campaign.AccountCooldown
		a.CooldownUntil = until
		a.UpdatedAt = now
	})
	if err == nil {
		r.log.Info("account cooling down", logx.String("account", id), logx.Time("until", until))
	}
	return err
}

// Reactivate returns a suspended or cooling account to the active set.
func (r *Registry) Reactivate(ctx context.Context, id string, now time.Time) error {
	_, err := r.Update(ctx, id, func(a *campaign.Account) {
		a.State = campaign.AccountActive
		a.CooldownUntil = time.Time{}
		a.UpdatedAt = now
	})
	return err
}

// Busy reports whether a send is in flight on the account.
func (r *Registry) Busy(id string) bool {
	s := r.slot(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (r *Registry) persist(ctx context.Context, a campaign.Account) error {
	if r.store == nil {
		return nil
	}
	return r.store.UpdateAccount(ctx, a)
}

// acquire marks the account busy if eligible(acct) holds under its lock.
func (r *Registry) acquire(ctx context.Context, id string, eligible func(campaign.Account) bool) (*Lease, error) {
	s := r.slot(id)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	if s.busy || !eligible(s.acct) {
		s.mu.Unlock()
		return nil, nil
	}
	s.busy = true
	snap := s.acct.Clone()
	s.mu.Unlock()

	var unlock func()
	if r.locker != nil {
		u, ok, err := r.locker.TryLock(ctx, id, r.lockTTL)
		if err != nil || !ok {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
			if err != nil {
				r.log.Warn("account lock failed", logx.String("account", id), logx.Err(err))
			}
			return nil, err
		}
		unlock = u
	}
	return &Lease{reg: r, slot: s, Account: snap, unlock: unlock}, nil
}

// Lease is exclusive use of one account for one send.
type Lease struct {
	// Account is the state at acquisition time.
	Account campaign.Account

	reg    *Registry
	slot   *slot
	unlock func()
	once   sync.Once
}

// Commit applies mutate to the live account, persists it and releases the
// lease. It returns the committed account.
func (l *Lease) Commit(ctx context.Context, mutate func(*campaign.Account)) (campaign.Account, error) {
	var (
		out campaign.Account
		err error
	)
	l.once.Do(func() {
		s := l.slot
		s.mu.Lock()
		if mutate != nil {
			mutate(&s.acct)
		}
		out = s.acct.Clone()
		err = l.reg.persist(ctx, out)
		s.busy = false
		s.mu.Unlock()
		if l.unlock != nil {
			l.unlock()
		}
	})
	return out, err
}

// Release drops the lease without touching the account.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.slot.mu.Lock()
		l.slot.busy = false
		l.slot.mu.Unlock()
		if l.unlock != nil {
			l.unlock()
		}
	})
}
