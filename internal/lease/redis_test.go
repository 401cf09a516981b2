package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	logx "campaignd/pkg/logx"
)

func dialTest(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("CAMPAIGND_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CAMPAIGND_TEST_REDIS_URL not set")
	}
	r, err := Dial(context.Background(), Config{URL: url, Prefix: "campaignd:test:" + uuid.NewString() + ":"}, logx.Nop())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisLeaseExclusive(t *testing.T) {
	r := dialTest(t)
	ctx := context.Background()

	unlock, ok, err := r.TryLock(ctx, "acct", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	if _, ok, err := r.TryLock(ctx, "acct", time.Minute); err != nil || ok {
		t.Fatalf("second TryLock = %v, %v; want held", ok, err)
	}
	unlock()
	unlock2, ok, err := r.TryLock(ctx, "acct", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock after unlock = %v, %v", ok, err)
	}
	unlock2()
}

func TestRedisLeaseStaleUnlockKeepsNewHolder(t *testing.T) {
	r := dialTest(t)
	ctx := context.Background()

	stale, ok, err := r.TryLock(ctx, "acct", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	time.Sleep(120 * time.Millisecond)
	fresh, ok, err := r.TryLock(ctx, "acct", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock after expiry = %v, %v", ok, err)
	}
	defer fresh()

	stale()
	if _, ok, _ := r.TryLock(ctx, "acct", time.Minute); ok {
		t.Fatalf("stale unlock released the new holder")
	}
}

func TestDialRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := Dial(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
