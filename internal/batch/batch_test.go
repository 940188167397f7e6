package batch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapLimit_preserves_order(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	results := MapLimit(context.Background(), items, 3, func(ctx context.Context, n int) (string, error) {
		// Finish later items first so completion order differs from input order.
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return strconv.Itoa(n), nil
	})

	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("item %d: unexpected error %v", i, r.Err)
		}
		if r.Value != strconv.Itoa(i) {
			t.Errorf("item %d: expected %q, got %q", i, strconv.Itoa(i), r.Value)
		}
	}
}

func TestMapLimit_respects_limit(t *testing.T) {
	var inFlight, peak int64
	var mu sync.Mutex

	items := make([]int, 10)
	MapLimit(context.Background(), items, 3, func(ctx context.Context, n int) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return n, nil
	})

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("expected at most 3 in flight, observed %d", peak)
	}
	if peak == 0 {
		t.Error("expected at least one invocation")
	}
}

func TestMapLimit_error_does_not_abort_siblings(t *testing.T) {
	boom := errors.New("boom")
	items := []int{1, 2, 3}

	results := MapLimit(context.Background(), items, 2, func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n * 10, nil
	})

	if results[0].Err != nil || results[0].Value != 10 {
		t.Errorf("item 0: got (%d, %v)", results[0].Value, results[0].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("item 1: expected boom, got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Value != 30 {
		t.Errorf("item 2: got (%d, %v)", results[2].Value, results[2].Err)
	}
}

func TestMapLimit_recovers_panic(t *testing.T) {
	results := MapLimit(context.Background(), []int{1}, 1, func(ctx context.Context, n int) (int, error) {
		panic("unreachable state")
	})

	if results[0].Err == nil {
		t.Fatal("expected an error from a panicking item")
	}
}

func TestMapLimit_limit_below_one(t *testing.T) {
	results := MapLimit(context.Background(), []int{1, 2}, 0, func(ctx context.Context, n int) (int, error) {
		return n, nil
	})
	if len(results) != 2 || results[0].Value != 1 || results[1].Value != 2 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestMapLimit_empty_input(t *testing.T) {
	results := MapLimit(context.Background(), nil, 4, func(ctx context.Context, n int) (int, error) {
		return n, nil
	})
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
