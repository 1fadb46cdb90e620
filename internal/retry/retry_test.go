package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("expected default policy to be valid, got %v", err)
	}
	bad := Policy{InitialBackoff: time.Second, MaxBackoff: time.Millisecond, Multiplier: 2}
	if err := bad.Validate(); err == nil {
		t.Error("expected error when max backoff is below initial")
	}
}

func TestDo(t *testing.T) {
	p := Policy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	sentinel := errors.New("always")
	err = Do(context.Background(), p, 2, func(ctx context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Do(ctx, p, 5, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}
