package trade_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitchx/founder-exchange/internal/trade"
)

// exerciseLocker checks mutual exclusion per founder, timeouts and
// independence across founders.
func exerciseLocker(t *testing.T, l trade.Locker, founder string) {
	t.Helper()
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			inside  atomic.Int32
			overlap atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				unlock, err := l.Lock(lctx, founder)
				if err != nil {
					t.Errorf("lock: %v", err)
					return
				}
				if inside.Add(1) > 1 {
					overlap.Add(1)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		if overlap.Load() != 0 {
			t.Errorf("lock was shared %d times", overlap.Load())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		unlock, err := l.Lock(ctx, founder)
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		lctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		if _, err := l.Lock(lctx, founder); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("founders independent", func(t *testing.T) {
		unlock, err := l.Lock(ctx, founder)
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		lctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		other, err := l.Lock(lctx, founder+"-other")
		if err != nil {
			t.Fatalf("other founder blocked: %v", err)
		}
		other()
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		unlock, err := l.Lock(ctx, founder)
		if err != nil {
			t.Fatal(err)
		}
		unlock()
		unlock()

		lctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		again, err := l.Lock(lctx, founder)
		if err != nil {
			t.Fatalf("relock after double unlock: %v", err)
		}
		again()
	})
}

func TestLocalLocker(t *testing.T) {
	exerciseLocker(t, trade.NewLocalLocker(), "f1")
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	founder := "locker-test-" + time.Now().Format("150405.000000")
	exerciseLocker(t, trade.NewRedisLocker(rdb, 5*time.Second), founder)
}
