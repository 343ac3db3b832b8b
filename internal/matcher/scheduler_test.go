package matcher

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerReplaceAndCancel(t *testing.T) {
	s := NewScheduler()
	var first, second atomic.Int32
	s.Schedule("r1", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("r1", 20*time.Millisecond, func() { second.Add(1) })
	time.Sleep(80 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("replace failed: first=%d second=%d", first.Load(), second.Load())
	}
	if s.Pending("r1") {
		t.Fatal("fired task must be removed")
	}

	var cancelled atomic.Int32
	s.Schedule("r2", 20*time.Millisecond, func() { cancelled.Add(1) })
	if !s.Cancel("r2") {
		t.Fatal("expected cancel to find the task")
	}
	time.Sleep(50 * time.Millisecond)
	if cancelled.Load() != 0 {
		t.Fatal("cancelled task ran")
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler()
	var ran atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { ran.Add(1) })
	s.Stop()
	s.Schedule("b", time.Millisecond, func() { ran.Add(1) })
	time.Sleep(40 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("no task may run after Stop, ran %d", ran.Load())
	}
}
