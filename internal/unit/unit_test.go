package unit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestUnit() *Unit {
	return New("alice", "sess-1", "/tmp/work", Limits{
		CPUCores:     0.5,
		MemoryMB:     512,
		PIDsLimit:    128,
		MaxWallClock: 30 * time.Second,
	})
}

func TestLifecycleHappyPath(t *testing.T) {
	u := newTestUnit()
	if u.State() != StateProvisioning {
		t.Fatalf("expected provisioning, got %s", u.State())
	}
	for _, next := range []State{StateIdle, StateBorrowed, StateIdle, StateBorrowed, StateDestroyed} {
		if err := u.To(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if !u.Destroyed() {
		t.Error("expected unit to be destroyed")
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []State
		next State
	}{
		{"provisioning to borrowed", nil, StateBorrowed},
		{"idle to idle", []State{StateIdle}, StateIdle},
		{"unhealthy to idle", []State{StateIdle, StateUnhealthy}, StateIdle},
		{"unhealthy to borrowed", []State{StateIdle, StateUnhealthy}, StateBorrowed},
		{"destroyed to idle", []State{StateDestroyed}, StateIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := newTestUnit()
			for _, s := range tc.path {
				if err := u.To(s); err != nil {
					t.Fatalf("setup transition to %s: %v", s, err)
				}
			}
			if err := u.To(tc.next); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestDestroyIdempotent(t *testing.T) {
	u := newTestUnit()
	if err := u.To(StateDestroyed); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := u.To(StateDestroyed); err != nil {
		t.Fatalf("second destroy should be a no-op, got %v", err)
	}
}

func TestIdentityNotReused(t *testing.T) {
	a := newTestUnit()
	b := newTestUnit()
	if a.ID() == b.ID() {
		t.Error("two units share an identifier")
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	u := newTestUnit()
	before := u.LastActive()
	time.Sleep(2 * time.Millisecond)
	u.Touch()
	if !u.LastActive().After(before) {
		t.Error("touch did not advance last-active timestamp")
	}
}

func TestConcurrentTransitions(t *testing.T) {
	u := newTestUnit()
	if err := u.To(StateIdle); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := u.To(StateBorrowed); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly one successful borrow transition, got %d", n)
	}
}
