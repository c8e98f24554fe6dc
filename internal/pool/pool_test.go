package pool

import (
	"errors"
	"testing"
)

func TestAcquireSetMarkReadyGet(t *testing.T) {
	p := New[string](2)

	idx, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, ok := p.Get(idx); ok {
		t.Fatalf("slot %d should not be visible before MarkReady", idx)
	}
	if err := p.Set(idx, "hello"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.MarkReady(idx); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	got, ok := p.Get(idx)
	if !ok || got != "hello" {
		t.Fatalf("Get = %q, %v; want hello, true", got, ok)
	}
}

func TestExhaustion(t *testing.T) {
	p := New[int](2)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("third Acquire = %v; want ErrExhausted", err)
	}
}

func TestReleaseReopensAcceptance(t *testing.T) {
	p := New[int](1)
	idx, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if err := p.Release(idx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestInUse(t *testing.T) {
	p := New[int](3)
	if n := p.InUse(); n != 0 {
		t.Fatalf("InUse = %d; want 0", n)
	}
	idx, _ := p.Acquire()
	if n := p.InUse(); n != 1 {
		t.Fatalf("InUse = %d; want 1", n)
	}
	p.Release(idx)
	if n := p.InUse(); n != 0 {
		t.Fatalf("InUse = %d; want 0", n)
	}
}
