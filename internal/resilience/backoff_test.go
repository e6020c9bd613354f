package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w*time.Second)
		}
	}
	if got := (Backoff{}).Delay(0); got != defaultInitialBackoff {
		t.Errorf("zero Backoff Delay(0) = %v, want %v", got, defaultInitialBackoff)
	}
}

func TestRetry(t *testing.T) {
	fast := Backoff{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 3}

	tests := []struct {
		name      string
		backoff   Backoff
		results   []error
		wantCalls int
		wantErr   error
	}{
		{name: "no retries by default", backoff: Backoff{}, results: []error{errTest, nil}, wantCalls: 1, wantErr: errTest},
		{name: "succeeds after failures", backoff: fast, results: []error{errTest, errTest, nil}, wantCalls: 3},
		{name: "gives up after attempts", backoff: fast, results: []error{errTest, errTest, errTest, errTest, nil}, wantCalls: 4, wantErr: errTest},
		{name: "permanent stops", backoff: fast, results: []error{Permanent(errTest), nil}, wantCalls: 1, wantErr: errTest},
		{name: "open breaker stops", backoff: fast, results: []error{ErrCircuitOpen, nil}, wantCalls: 1, wantErr: ErrCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.backoff, func(context.Context) error {
				err := tt.results[calls]
				calls++
				return err
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{Initial: time.Hour, Attempts: 5}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, b, func(context.Context) error {
			calls++
			return errTest
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || !errors.Is(err, errTest) {
			t.Errorf("err = %v, want both last error and context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Retry did not stop on cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
