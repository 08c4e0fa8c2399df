package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStructural = errors.New("missing index")

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(5, time.Millisecond, nil)

	var attempts int
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	p := NewPolicy(3, time.Millisecond, nil)

	var attempts int
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestPolicy_NonRetryableFailsImmediately(t *testing.T) {
	p := NewPolicy(5, time.Millisecond, func(err error) bool {
		return !errors.Is(err, errStructural)
	})

	var attempts int
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errStructural
	})

	if !errors.Is(err, errStructural) {
		t.Fatalf("expected structural error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("structural errors must not be retried, got %d attempts", attempts)
	}
}

func TestPolicy_ContextCancellationStopsRetries(t *testing.T) {
	p := NewPolicy(100, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})

	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if attempts >= 100 {
		t.Errorf("cancellation should stop retries early, got %d attempts", attempts)
	}
}
