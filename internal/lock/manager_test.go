package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/schjonhaug/tapcustody/internal/adapters/memory"
	"github.com/schjonhaug/tapcustody/internal/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireIsExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(c.Now)
	locks := memory.NewStore().Repositories().Locks
	ctx := context.Background()

	out, err := m.Acquire(ctx, locks, "TOKEN", "s1", c.Now().Add(time.Minute))
	if err != nil || out != Acquired {
		t.Fatalf("first acquire = %v, %v", out, err)
	}

	out, err = m.Acquire(ctx, locks, "TOKEN", "s2", c.Now().Add(time.Minute))
	if err != nil || out != Locked {
		t.Fatalf("second acquire = %v, %v, want LOCKED", out, err)
	}

	// Expiry is inclusive: at the deadline the lock no longer holds.
	c.Advance(time.Minute)
	out, err = m.Acquire(ctx, locks, "TOKEN", "s2", c.Now().Add(time.Minute))
	if err != nil || out != Acquired {
		t.Fatalf("acquire after expiry = %v, %v", out, err)
	}

	holder, err := m.Holder(ctx, locks, "TOKEN")
	if err != nil || holder != "s2" {
		t.Fatalf("holder = %q, %v", holder, err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(c.Now)
	locks := memory.NewStore().Repositories().Locks
	ctx := context.Background()

	if _, err := m.Acquire(ctx, locks, "TOKEN", "s1", c.Now().Add(time.Minute)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, locks, "TOKEN", "intruder"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if holder, _ := m.Holder(ctx, locks, "TOKEN"); holder != "s1" {
		t.Fatalf("holder after foreign release = %q", holder)
	}

	if err := m.Release(ctx, locks, "TOKEN", "s1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Holder(ctx, locks, "TOKEN"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("holder after release err = %v", err)
	}
}

func TestConcurrentAcquireGrantsOne(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(c.Now)
	store := memory.NewStore()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := m.Acquire(ctx, store.Repositories().Locks, "TOKEN", string(rune('a'+i)), c.Now().Add(time.Minute))
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			results <- out
		}(i)
	}
	wg.Wait()
	close(results)

	acquired := 0
	for out := range results {
		if out == Acquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("acquired = %d, want exactly 1", acquired)
	}
}

func TestAcquireRejectsPastExpiry(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(c.Now)
	_, err := m.Acquire(context.Background(), memory.NewStore().Repositories().Locks, "TOKEN", "s1", c.Now())
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}
