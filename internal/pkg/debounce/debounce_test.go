package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimer_CoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	d := New(40*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 0 {
		t.Fatalf("fired before the quiet period elapsed")
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one call, got %d", calls.Load())
	}
	if d.Pending() {
		t.Fatalf("nothing should be pending after firing")
	}
}

func TestTimer_Stop(t *testing.T) {
	var calls atomic.Int32
	d := New(20*time.Millisecond, func() { calls.Add(1) })
	d.Trigger()
	if !d.Stop() {
		t.Fatalf("expected Stop to cancel a pending task")
	}
	d.Trigger()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("stopped timer fired %d times", calls.Load())
	}
	if d.Stop() {
		t.Fatalf("second Stop should report nothing pending")
	}
}

func TestTimer_Flush(t *testing.T) {
	var calls atomic.Int32
	d := New(time.Hour, func() { calls.Add(1) })

	d.Flush()
	if calls.Load() != 0 {
		t.Fatalf("flush without pending task must not run fn")
	}

	d.Trigger()
	d.Flush()
	if calls.Load() != 1 {
		t.Fatalf("expected flush to run fn synchronously, got %d", calls.Load())
	}
	if d.Pending() {
		t.Fatalf("flush should clear the pending task")
	}
}
