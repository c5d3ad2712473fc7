package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fast(5), "test", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 7 || calls != 3 {
		t.Errorf("got %d after %d calls", got, calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	boom := errors.New("bad credentials")
	calls := 0
	_, err := Do(context.Background(), fast(5), "test", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, Permanent(boom)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast(3), "test", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 0, InitialWait: time.Hour, MaxWait: time.Hour, Multiplier: 1}
	_, err := Do(ctx, cfg, "test", func(context.Context) (int, error) {
		return 0, errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitIsCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 10}
	if w := cfg.Wait(4); w != 3*time.Second {
		t.Errorf("Wait(4) = %v", w)
	}
}
