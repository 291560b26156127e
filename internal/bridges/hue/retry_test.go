package hue

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestRetrier_SucceedsAfterFailures(t *testing.T) {
	clock := newFakeClock()
	logger := &testLogger{}
	var retries []int
	r := NewRetrier(RetrierOptions{
		Name:    "test",
		Delay:   15 * time.Second,
		Clock:   clock,
		Logger:  logger,
		OnRetry: func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) },
	})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(t, 1)
		if got := r.State(); got != RetryWaiting {
			t.Fatalf("State() = %v, want waiting", got)
		}
		clock.Advance(15 * time.Second)
	}

	if err := <-done; err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if r.State() != RetryDone {
		t.Errorf("State() = %v, want done", r.State())
	}
	if r.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", r.Attempts())
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
	}
}

func TestRetrier_NonRetryable(t *testing.T) {
	fatal := &ClassificationError{BridgeID: "X", ModelID: "Y"}
	r := NewRetrier(RetrierOptions{
		Delay:     time.Second,
		Clock:     newFakeClock(),
		Retryable: func(err error) bool { return !errors.Is(err, ErrUnknownGateway) },
	})

	err := r.Do(context.Background(), func(context.Context) error { return fatal })
	if !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("Do() error = %v, want ErrUnknownGateway", err)
	}
	if r.Attempts() != 1 {
		t.Errorf("Attempts() = %d, want 1", r.Attempts())
	}
}

func TestRetrier_CancelWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	r := NewRetrier(RetrierOptions{Delay: time.Minute, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error { return errFlaky })
	}()

	clock.BlockUntil(t, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after cancel")
	}
}

func TestRetrier_BackoffOverride(t *testing.T) {
	clock := newFakeClock()
	r := NewRetrier(RetrierOptions{
		Delay: 15 * time.Second,
		Clock: clock,
		Backoff: func(err error) time.Duration {
			if errors.Is(err, ErrGatewayNotReady) {
				return time.Minute
			}
			return 0
		},
	})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			calls++
			if calls == 1 {
				return ErrGatewayNotReady
			}
			return nil
		})
	}()

	clock.BlockUntil(t, 1)
	clock.Advance(15 * time.Second)
	if r.State() != RetryWaiting {
		t.Fatalf("State() = %v after default delay, want still waiting", r.State())
	}
	clock.Advance(45 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestRetrier_DecreasingSeverity(t *testing.T) {
	clock := newFakeClock()
	logger := &testLogger{}
	r := NewRetrier(RetrierOptions{Delay: time.Second, Clock: clock, Logger: logger})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			calls++
			if calls <= 7 {
				return errFlaky
			}
			return nil
		})
	}()

	for i := 0; i < 7; i++ {
		clock.BlockUntil(t, 1)
		clock.Advance(time.Second)
	}
	if err := <-done; err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	want := []string{"error", "warn", "warn", "warn", "warn", "debug", "debug"}
	got := logger.levels()
	if len(got) != len(want) {
		t.Fatalf("levels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("levels[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRetrier_PairingPromptRepeats(t *testing.T) {
	clock := newFakeClock()
	logger := &testLogger{}
	r := NewRetrier(RetrierOptions{Delay: time.Second, Clock: clock, Logger: logger})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), func(context.Context) error {
			calls++
			if calls <= 6 {
				return &APIError{Type: 101, Address: "", Description: "link button not pressed"}
			}
			return nil
		})
	}()
	for i := 0; i < 6; i++ {
		clock.BlockUntil(t, 1)
		clock.Advance(time.Second)
	}
	<-done

	for i, lvl := range logger.levels() {
		if lvl != "warn" {
			t.Errorf("levels[%d] = %s, want warn for every pairing prompt", i, lvl)
		}
	}
}
