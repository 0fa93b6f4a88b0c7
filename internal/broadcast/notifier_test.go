package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNotify_DeliversToSubscribers(t *testing.T) {
	n := NewNotifier()

	var got []any
	n.Subscribe("started", func(payload any) {
		got = append(got, payload)
	})

	n.Notify("started", 1)
	n.Notify("started", 2)
	n.Notify("other", 99)

	if len(got) != 2 {
		t.Fatalf("received %d payloads, want 2", len(got))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("payloads = %v, want [1 2]", got)
	}
}

func TestNotify_OnceFiresOnce(t *testing.T) {
	n := NewNotifier()

	count := 0
	n.Once("tick", func(any) { count++ })

	n.Notify("tick", nil)
	n.Notify("tick", nil)

	if count != 1 {
		t.Errorf("once handler fired %d times, want 1", count)
	}
}

func TestDispose_RemovesSubscription(t *testing.T) {
	n := NewNotifier()

	count := 0
	d := n.Subscribe("tick", func(any) { count++ })

	n.Notify("tick", nil)
	d.Dispose()
	d.Dispose() // idempotent
	n.Notify("tick", nil)

	if count != 1 {
		t.Errorf("handler fired %d times after dispose, want 1", count)
	}
}

func TestNotify_HandlerOrder(t *testing.T) {
	n := NewNotifier()

	var order []int
	n.Subscribe("ev", func(any) { order = append(order, 1) })
	n.Subscribe("ev", func(any) { order = append(order, 2) })
	n.Subscribe("ev", func(any) { order = append(order, 3) })

	n.Notify("ev", nil)

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("handlers ran out of registration order: %v", order)
		}
	}
}

func TestWait_ResolvesWithPayload(t *testing.T) {
	n := NewNotifier()

	done := make(chan struct{})
	var payload any
	var err error
	go func() {
		payload, err = n.Wait(context.Background(), "ready", time.Second)
		close(done)
	}()

	// Give the waiter time to register.
	waitForWaiter(t, n, "ready")
	n.Notify("ready", "hello")

	<-done
	if err != nil {
		t.Fatalf("Wait() error = %v, want nil", err)
	}
	if payload != "hello" {
		t.Errorf("Wait() payload = %v, want %q", payload, "hello")
	}
}

func TestWait_Timeout(t *testing.T) {
	n := NewNotifier()

	_, err := n.Wait(context.Background(), "never", 20*time.Millisecond)

	var timeoutErr *WaitTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Wait() error = %v, want *WaitTimeoutError", err)
	}
	if timeoutErr.Event != "never" {
		t.Errorf("timeout error event = %q, want %q", timeoutErr.Event, "never")
	}
}

func TestWait_CancelDistinctFromTimeout(t *testing.T) {
	n := NewNotifier()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := n.Wait(ctx, "never", time.Second)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want wrapped context.Canceled", err)
	}
	var timeoutErr *WaitTimeoutError
	if errors.As(err, &timeoutErr) {
		t.Error("cancellation error should not be a WaitTimeoutError")
	}
}

func TestAbortAll_FailsWaiters(t *testing.T) {
	n := NewNotifier()

	cause := errors.New("resource died")
	done := make(chan error, 1)
	go func() {
		_, err := n.Wait(context.Background(), "running", time.Second)
		done <- err
	}()

	waitForWaiter(t, n, "running")
	n.AbortAll("running", cause)

	err := <-done
	var aborted *AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("Wait() error = %v, want *AbortedError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("aborted error should unwrap to the abort cause")
	}
}

func TestAbortAll_DoesNotTouchSubscribers(t *testing.T) {
	n := NewNotifier()

	count := 0
	n.Subscribe("ev", func(any) { count++ })

	n.AbortAll("ev", errors.New("boom"))
	n.Notify("ev", nil)

	if count != 1 {
		t.Errorf("subscriber fired %d times, want 1 (AbortAll must not remove subscriptions)", count)
	}
}

func TestAbortEverything_FailsAllEvents(t *testing.T) {
	n := NewNotifier()

	cause := errors.New("handle error")
	errs := make(chan error, 2)
	for _, ev := range []Event{"a", "b"} {
		ev := ev
		go func() {
			_, err := n.Wait(context.Background(), ev, time.Second)
			errs <- err
		}()
	}
	waitForWaiter(t, n, "a")
	waitForWaiter(t, n, "b")

	n.AbortEverything(cause)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, cause) {
			t.Errorf("waiter %d error = %v, want wrapped cause", i, err)
		}
	}
}

func TestWaiter_RegisterBeforeCheck(t *testing.T) {
	n := NewNotifier()

	// A notification between registration and Await must not be lost.
	w := n.NewWaiter("ready")
	n.Notify("ready", 42)

	payload, err := w.Await(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Await() error = %v, want nil", err)
	}
	if payload != 42 {
		t.Errorf("Await() payload = %v, want 42", payload)
	}
}

func TestWaiter_CancelRemovesPending(t *testing.T) {
	n := NewNotifier()

	w := n.NewWaiter("ev")
	w.Cancel()
	w.Cancel() // idempotent

	n.mu.Lock()
	pending := len(n.waiters["ev"])
	n.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending waiters = %d after Cancel, want 0", pending)
	}
}

// waitForWaiter polls until a waiter is registered for the event, so tests
// do not race registration against Notify/AbortAll.
func waitForWaiter(t *testing.T, n *Notifier, ev Event) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		registered := len(n.waiters[ev]) > 0
		n.mu.Unlock()
		if registered {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no waiter registered for %q within 1s", ev)
}
