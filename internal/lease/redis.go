// Package lease provides a cross-process account lock backed by Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "campaignd/pkg/logx"
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const defaultPrefix = "campaignd:lease:"

type Config struct {
	URL    string
	Prefix string
}

// Redis implements accountpool.Locker with SET NX PX.
type Redis struct {
	client *redis.Client
	prefix string
	log    logx.Logger
	owned  bool
}

// Dial parses cfg.URL, connects and pings the server.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Redis, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("lease: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 2

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	r := New(client, cfg.Prefix, log)
	r.owned = true
	return r, nil
}

// New wraps an existing client. Close does not close it.
func New(client *redis.Client, prefix string, log logx.Logger) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, prefix: prefix, log: log}
}

func (r *Redis) key(accountID string) string { return r.prefix + accountID }

// TryLock takes the lease for accountID. ok is false when another holder has it.
func (r *Redis) TryLock(ctx context.Context, accountID string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	key := r.key(accountID)
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease %s: %w", accountID, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		// The caller's context may already be gone.
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(uctx, r.client, []string{key}, token).Err(); err != nil {
			r.log.Warn("lease release failed", logx.String("account", accountID), logx.Err(err))
		}
	}
	return unlock, true, nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
