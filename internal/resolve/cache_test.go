package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_concurrent_resolves_share_one_computation(t *testing.T) {
	c := NewCache(0)

	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		close(started)
		<-release
		return "http://nvr/vod/front/start/1/end/2/index.m3u8", nil
	}

	var wg sync.WaitGroup
	urls := make([]string, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		urls[0], errs[0] = c.Resolve(context.Background(), "dev1:ev1", compute)
	}()

	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		urls[1], errs[1] = c.Resolve(context.Background(), "dev1:ev1", func(ctx context.Context) (string, error) {
			atomic.AddInt64(&calls, 1)
			return "second", nil
		})
	}()

	// Give the second caller time to join the flight before releasing.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("expected exactly 1 compute call, got %d", n)
	}
	for i := range urls {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if urls[i] != urls[0] {
			t.Errorf("caller %d got %q, caller 0 got %q", i, urls[i], urls[0])
		}
	}
}

func TestCache_fresh_entry_skips_compute(t *testing.T) {
	c := NewCache(0)

	var calls int
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "url-1", nil
	}

	for i := 0; i < 3; i++ {
		url, err := c.Resolve(context.Background(), "k", compute)
		if err != nil {
			t.Fatal(err)
		}
		if url != "url-1" {
			t.Errorf("got %q", url)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 compute call, got %d", calls)
	}
}

func TestCache_expired_entry_recomputes_once(t *testing.T) {
	c := NewCache(time.Minute)

	current := time.Now()
	c.now = func() time.Time { return current }

	var calls int
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "url", nil
	}

	if _, err := c.Resolve(context.Background(), "k", compute); err != nil {
		t.Fatal(err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := c.Resolve(context.Background(), "k", compute); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("expected 2 compute calls across expiry, got %d", calls)
	}
}

func TestCache_failure_propagates_and_does_not_wedge(t *testing.T) {
	c := NewCache(0)
	boom := errors.New("upstream down")

	_, err := c.Resolve(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	url, err := c.Resolve(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if url != "recovered" {
		t.Errorf("got %q", url)
	}
}

func TestCache_failure_keeps_stale_value_out_of_results(t *testing.T) {
	c := NewCache(time.Minute)
	current := time.Now()
	c.now = func() time.Time { return current }

	if _, err := c.Resolve(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "old", nil
	}); err != nil {
		t.Fatal(err)
	}

	current = current.Add(2 * time.Minute)
	boom := errors.New("flaky")
	if _, err := c.Resolve(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected flaky error, got %v", err)
	}

	// The stale value is still stored (not poisoned); a later success
	// replaces it.
	if _, ok := c.Peek("k"); ok {
		t.Error("expired entry should not be reported fresh")
	}
	url, err := c.Resolve(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "new", nil
	})
	if err != nil || url != "new" {
		t.Errorf("got (%q, %v)", url, err)
	}
}
