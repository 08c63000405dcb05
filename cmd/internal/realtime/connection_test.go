package realtime

import (
	"errors"
	"sync"
	"testing"
)

func TestConnection_StateMachine(t *testing.T) {
	t.Parallel()

	c := NewConnection("c1", 4, testEpoch)
	if c.State() != StateConnecting {
		t.Fatalf("initial state=%s want=%s", c.State(), StateConnecting)
	}
	if err := c.beginAuth(); err != nil {
		t.Fatalf("beginAuth: %v", err)
	}
	if err := c.beginAuth(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second beginAuth: expected ErrInvalidTransition, got %v", err)
	}
	if err := c.activate("u1", testEpoch); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if c.State() != StateActive || c.UserID() != "u1" {
		t.Fatalf("state=%s user=%q", c.State(), c.UserID())
	}
	if err := c.activate("u2", testEpoch); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-activate: expected ErrInvalidTransition, got %v", err)
	}

	if !c.close(ErrHeartbeatTimeout) {
		t.Fatalf("first close should report true")
	}
	if c.State() != StateClosing {
		t.Fatalf("state=%s want=%s", c.State(), StateClosing)
	}
	if err := c.activate("u1", testEpoch); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate after close: expected ErrInvalidTransition, got %v", err)
	}
}

func TestConnection_DirectActivationWithoutAuth(t *testing.T) {
	t.Parallel()

	c := NewConnection("c1", 4, testEpoch)
	if err := c.activate("", testEpoch); err != nil {
		t.Fatalf("activate from CONNECTING: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state=%s", c.State())
	}
}

func TestConnection_CloseIsIdempotentFirstReasonWins(t *testing.T) {
	t.Parallel()

	c := NewConnection("c1", 4, testEpoch)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.close(ErrShutdown) {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if first != 1 {
		t.Fatalf("close reported first %d times", first)
	}
	if c.close(ErrAuthTimeout) {
		t.Fatalf("late close should be a no-op")
	}
	if !errors.Is(c.Err(), ErrShutdown) {
		t.Fatalf("err=%v want=%v", c.Err(), ErrShutdown)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func TestConnection_PushBackpressureStrikes(t *testing.T) {
	t.Parallel()

	c := NewConnection("c1", 1, testEpoch)
	env := mustNotification(t, "a")

	if n, err := c.push(env); err != nil || n != 0 {
		t.Fatalf("first push: strikes=%d err=%v", n, err)
	}
	for want := 1; want <= 3; want++ {
		n, err := c.push(env)
		if !errors.Is(err, ErrBackpressure) {
			t.Fatalf("expected ErrBackpressure, got %v", err)
		}
		if n != want {
			t.Fatalf("strikes=%d want=%d", n, want)
		}
	}

	drainOutbox(c)
	if n, err := c.push(env); err != nil || n != 0 {
		t.Fatalf("push after drain: strikes=%d err=%v", n, err)
	}

	c.close(nil)
	if _, err := c.push(env); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("push after close: expected ErrConnectionClosed, got %v", err)
	}
	if !errors.Is(c.Err(), ErrConnectionClosed) {
		t.Fatalf("nil reason should default to ErrConnectionClosed, got %v", c.Err())
	}
}

func TestConnection_TouchNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	c := NewConnection("c1", 4, testEpoch)
	if c.touch(testEpoch.Add(1)) {
		t.Fatalf("touch before ACTIVE should be ignored")
	}
	_ = c.activate("u1", testEpoch)

	later := testEpoch.Add(5e9)
	c.touch(later)
	c.touch(testEpoch.Add(1e9))
	if !c.LastHeartbeat().Equal(later) {
		t.Fatalf("lastHeartbeat=%v want=%v", c.LastHeartbeat(), later)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		StateConnecting:     "CONNECTING",
		StateAuthenticating: "AUTHENTICATING",
		StateActive:         "ACTIVE",
		StateClosing:        "CLOSING",
		StateClosed:         "CLOSED",
		State(42):           "UNKNOWN",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("State(%d).String()=%q want=%q", s, s.String(), want)
		}
	}
}
