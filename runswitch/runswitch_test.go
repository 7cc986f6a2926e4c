package runswitch

import (
	"testing"
	"time"
)

func TestStartsAllowed(t *testing.T) {
	g := New()
	if !g.Allowed() {
		t.Fatal("expected guard to start allowed")
	}
}

func TestBlockThenAllowUnblocksWaiters(t *testing.T) {
	g := New()
	g.Block()
	quit := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		done <- g.WaitAllowed(quit)
	}()

	select {
	case <-done:
		t.Fatal("WaitAllowed returned before Allow was called")
	case <-time.After(20 * time.Millisecond):
	}

	g.Allow()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected WaitAllowed to return true after Allow")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitAllowed to unblock")
	}
}

func TestQuitUnblocksWaiters(t *testing.T) {
	g := New()
	g.Block()
	quit := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		done <- g.WaitAllowed(quit)
	}()

	close(quit)
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected WaitAllowed to return false after quit")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitAllowed to observe quit")
	}
}

func TestBlockAfterAllowRearmsWait(t *testing.T) {
	g := New()
	if !g.WaitAllowed(nil) {
		t.Fatal("expected immediate true when already allowed")
	}
	g.Block()
	quit := make(chan struct{})
	done := make(chan bool, 1)
	go func() { done <- g.WaitAllowed(quit) }()

	select {
	case <-done:
		t.Fatal("expected WaitAllowed to block again after Block")
	case <-time.After(20 * time.Millisecond):
	}
	g.Allow()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected true after second Allow")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
