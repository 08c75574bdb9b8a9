package futex

import (
	"testing"
	"time"

	"oskit/pkg/defs"
)

func TestWakeWithNoWaitersIsNoop(t *testing.T) {
	tb := NewTable(8)
	if n := tb.Wake(Key{Paddr: 0x1000}, 1); n != 0 {
		t.Fatalf("Wake on empty bucket = %d, want 0", n)
	}
}

func TestWaitWake(t *testing.T) {
	tb := NewTable(8)
	key := Key{Paddr: 0x2000, ASID: 7}
	done := make(chan defs.Err_t, 1)
	go func() {
		done <- tb.Wait(key, time.Time{}, nil)
	}()

	// Give the waiter a chance to enqueue before waking it.
	time.Sleep(20 * time.Millisecond)
	if n := tb.Wake(key, 1); n != 1 {
		t.Fatalf("Wake returned %d, want 1", n)
	}
	select {
	case err := <-done:
		if err != 0 {
			t.Fatalf("Wait returned err %v, want success", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestWaitTimeout(t *testing.T) {
	tb := NewTable(8)
	key := Key{Paddr: 0x3000}
	start := time.Now()
	err := tb.Wait(key, start.Add(30*time.Millisecond), nil)
	if err != defs.EAGAIN {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestWaitCancel(t *testing.T) {
	tb := NewTable(8)
	key := Key{Paddr: 0x4000}
	cancel := make(chan struct{})
	done := make(chan defs.Err_t, 1)
	go func() {
		done <- tb.Wait(key, time.Time{}, cancel)
	}()
	time.Sleep(20 * time.Millisecond)
	close(cancel)
	select {
	case err := <-done:
		if err != defs.EINTR {
			t.Fatalf("err = %v, want EINTR", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock Wait")
	}
}

func TestRequeue(t *testing.T) {
	tb := NewTable(8)
	old := Key{Paddr: 0x5000}
	nk := Key{Paddr: 0x6000}

	results := make(chan defs.Err_t, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- tb.Wait(old, time.Time{}, nil)
		}()
	}
	time.Sleep(20 * time.Millisecond)

	woken, moved := tb.Requeue(old, 1, nk, 2)
	if woken != 1 || moved != 2 {
		t.Fatalf("Requeue woken=%d moved=%d, want 1,2", woken, moved)
	}
	if n := tb.Wake(nk, 2); n != 2 {
		t.Fatalf("Wake(new) = %d, want 2", n)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-results:
		case <-time.After(time.Second):
			t.Fatal("not all waiters resolved")
		}
	}
}
