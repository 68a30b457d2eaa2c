package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := New("test", Config{MaxFailures: 3, ResetTimeout: time.Minute}, testLogger(), nil)
	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if got := b.State(); got != Open {
		t.Fatalf("expected open after %d failures, got %s", 3, got)
	}
	if err := b.Execute(ctx, fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast-fail while open, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{MaxFailures: 2, ResetTimeout: time.Minute}, testLogger(), nil)
	boom := errors.New("boom")
	ctx := context.Background()

	_ = b.Execute(ctx, func(ctx context.Context) error { return boom })
	if err := b.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = b.Execute(ctx, func(ctx context.Context) error { return boom })
	if got := b.State(); got != Closed {
		t.Fatalf("expected closed after interleaved success, got %s", got)
	}
}

func TestBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	b := New("test", Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond}, testLogger(), nil)
	boom := errors.New("boom")
	ctx := context.Background()

	_ = b.Execute(ctx, func(ctx context.Context) error { return boom })
	if got := b.State(); got != Open {
		t.Fatalf("expected open, got %s", got)
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset window: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("expected closed after successful probe, got %s", got)
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New("test", Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond}, testLogger(), nil)
	boom := errors.New("boom")
	ctx := context.Background()

	_ = b.Execute(ctx, func(ctx context.Context) error { return boom })
	time.Sleep(20 * time.Millisecond)
	if err := b.Execute(ctx, func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected op error from failed half-open trial, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("expected reopened, got %s", got)
	}
}

func TestDisabledKafkaBreakerIsPassThrough(t *testing.T) {
	kb := NewKafkaBreaker("test", KafkaConfig{Enabled: false}, testLogger())
	if kb.Enabled() {
		t.Fatal("expected disabled breaker")
	}
	calls := 0
	err := kb.do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected single pass-through call, got calls=%d err=%v", calls, err)
	}
}
