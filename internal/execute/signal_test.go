package execute

import (
	"testing"
	"time"
)

func TestSignalNotifyWakesWaiter(t *testing.T) {
	sig := NewSignal()
	ch := sig.Chan("sess-1")

	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()

	sig.Notify("sess-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

// A decision landing between arming the channel and parking on it must
// still wake the waiter.
func TestSignalArmBeforeWait(t *testing.T) {
	sig := NewSignal()
	ch := sig.Chan("sess-1")
	sig.Notify("sess-1")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("armed channel was not closed by Notify")
	}
}

func TestSignalSharedBetweenWaiters(t *testing.T) {
	sig := NewSignal()
	a := sig.Chan("sess-1")
	b := sig.Chan("sess-1")

	sig.Notify("sess-1")

	for i, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d missed the notify", i)
		}
	}
}

func TestSignalNotifyWithoutWaiters(t *testing.T) {
	sig := NewSignal()
	sig.Notify("sess-1")

	// A channel armed afterwards belongs to the next notify only.
	ch := sig.Chan("sess-1")
	select {
	case <-ch:
		t.Fatal("fresh channel closed by an earlier notify")
	default:
	}

	sig.Notify("sess-1")
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestSignalSessionsIsolated(t *testing.T) {
	sig := NewSignal()
	a := sig.Chan("sess-a")
	b := sig.Chan("sess-b")

	sig.Notify("sess-a")

	select {
	case <-a:
	case <-time.After(2 * time.Second):
		t.Fatal("sess-a waiter never woke")
	}
	select {
	case <-b:
		t.Fatal("sess-b waiter woke on sess-a's notify")
	default:
	}
}
