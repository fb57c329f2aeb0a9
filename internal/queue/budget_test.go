package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestBudget_CapsConcurrency(t *testing.T) {
	b := NewBudget(2)
	ctx := context.Background()

	r1, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}
	r2, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected third acquire to time out, got %v", err)
	}

	r1()
	r1() // idempotent
	if b.InFlight() != 1 {
		t.Fatalf("expected 1 in flight, got %d", b.InFlight())
	}
	r2()
}

func TestBudget_SwapDoesNotDeadlock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := NewBudget(4)
	ctx := context.Background()

	var held []func()
	for range 4 {
		release, err := b.Acquire(ctx)
		if err != nil {
			t.Fatalf("expected acquire to succeed, got %v", err)
		}
		held = append(held, release)
	}

	// A waiter blocked on the full old slot must move to the new one
	waiterDone := make(chan func(), 1)
	go func() {
		release, err := b.Acquire(ctx)
		if err != nil {
			t.Errorf("expected waiter to acquire after resize, got %v", err)
			waiterDone <- nil
			return
		}
		waiterDone <- release
	}()

	time.Sleep(20 * time.Millisecond)
	b.Resize(1)
	if b.Capacity() != 1 {
		t.Fatalf("expected capacity 1, got %d", b.Capacity())
	}

	var waiterRelease func()
	select {
	case waiterRelease = <-waiterDone:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not acquire after resize")
	}
	if waiterRelease == nil {
		t.FailNow()
	}

	// New admissions are capped at 1 going forward
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected capped acquire to time out, got %v", err)
	}

	for _, release := range held {
		release()
	}
	if b.InFlight() != 1 {
		t.Fatalf("expected only the waiter in flight, got %d", b.InFlight())
	}

	waiterRelease()
	release, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	release()
	if b.InFlight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", b.InFlight())
	}
}

func TestBudget_AcquireCancelled(t *testing.T) {
	b := NewBudget(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.InFlight() != 0 {
		t.Fatalf("expected no leaked slot, got %d", b.InFlight())
	}
}
