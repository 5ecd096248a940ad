package sched

import (
	"reflect"
	"testing"

	"github.com/Rohit12234/Escape/kernel"
)

func TestRoundRobin(t *testing.T) {
	s := New()

	for tid := kernel.TID(1); tid <= 3; tid++ {
		s.SetReady(tid)
	}
	// Duplicate wakeups do not queue a thread twice.
	s.SetReady(2)

	if exp, got := []kernel.TID{1, 2, 3}, s.Ready(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected ready queue %v; got %v", exp, got)
	}

	cur := kernel.InvalidTID
	var order []kernel.TID
	for i := 0; i < 6; i++ {
		cur = s.Perform(cur)
		order = append(order, cur)
	}

	if exp := []kernel.TID{1, 2, 3, 1, 2, 3}; !reflect.DeepEqual(order, exp) {
		t.Fatalf("expected schedule %v; got %v", exp, order)
	}
}

func TestBlockSuspendRemove(t *testing.T) {
	s := New()
	s.SetReady(1)
	s.SetReady(2)

	s.SetBlocked(1)
	if exp, got := kernel.TID(2), s.Perform(kernel.InvalidTID); got != exp {
		t.Fatalf("expected %d to be picked; got %d", exp, got)
	}

	// 2 is running and gets suspended; nothing is runnable.
	s.SetSuspended(2, true)
	if got := s.Perform(2); got != kernel.InvalidTID {
		t.Fatalf("expected no runnable thread; got %d", got)
	}

	// Waking a suspended thread does not queue it.
	s.SetReady(1)
	s.SetSuspended(1, true)
	if got := s.Ready(); len(got) != 0 {
		t.Fatalf("expected empty ready queue; got %v", got)
	}

	s.SetSuspended(1, false)
	s.SetSuspended(2, false)
	if exp, got := []kernel.TID{1, 2}, s.Ready(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected ready queue %v; got %v", exp, got)
	}

	s.RemoveThread(1)
	if exp, got := []kernel.TID{2}, s.Ready(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected ready queue %v; got %v", exp, got)
	}

	// Unknown threads are not queued by Perform.
	if exp, got := kernel.TID(2), s.Perform(7); got != exp {
		t.Fatalf("expected %d; got %d", exp, got)
	}
	if got := s.Perform(kernel.InvalidTID); got != kernel.InvalidTID {
		t.Fatalf("expected no runnable thread; got %d", got)
	}

	s.Reset()
	if got := s.Ready(); len(got) != 0 {
		t.Fatalf("expected empty ready queue after Reset; got %v", got)
	}
}

func TestAddRunning(t *testing.T) {
	s := New()
	s.AddRunning(1)

	if got := s.Ready(); len(got) != 0 {
		t.Fatalf("expected a running thread not to be queued; got %v", got)
	}

	// Nothing else is runnable: the running thread is picked again.
	if exp, got := kernel.TID(1), s.Perform(1); got != exp {
		t.Fatalf("expected %d to keep running; got %d", exp, got)
	}

	s.SetReady(2)
	cur := kernel.TID(1)
	var order []kernel.TID
	for i := 0; i < 4; i++ {
		cur = s.Perform(cur)
		order = append(order, cur)
	}
	if exp := []kernel.TID{2, 1, 2, 1}; !reflect.DeepEqual(order, exp) {
		t.Fatalf("expected schedule %v; got %v", exp, order)
	}
}
