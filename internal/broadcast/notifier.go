package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Event identifies a named event on a Notifier.
//
// Event values are typed constants declared by the packages that own them
// (resource state names, daemon event names); the Notifier itself attaches
// no meaning to them.
type Event string

// Handler is the callback signature for subscriptions.
// The payload is whatever the notifying side passed to Notify.
type Handler func(payload any)

// Disposable represents an active subscription. Dispose releases it;
// calling Dispose more than once is a no-op.
type Disposable interface {
	Dispose()
}

// Notifier is the broadcast hub: a mapping from event name to subscribers
// and waiters.
//
// The zero value is not usable; create instances with NewNotifier.
type Notifier struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[Event][]*subscription
	waiters map[Event][]*Waiter
}

// subscription is a registered handler for an event.
type subscription struct {
	n        *Notifier
	event    Event
	id       uint64
	handler  Handler
	once     bool
	disposed bool
}

// Dispose removes the subscription from its Notifier. Idempotent.
func (s *subscription) Dispose() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.removeLocked()
}

// removeLocked unlinks the subscription; caller holds n.mu.
func (s *subscription) removeLocked() {
	if s.disposed {
		return
	}
	s.disposed = true
	list := s.n.subs[s.event]
	for i, other := range list {
		if other == s {
			s.n.subs[s.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.n.subs[s.event]) == 0 {
		delete(s.n.subs, s.event)
	}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subs:    make(map[Event][]*subscription),
		waiters: make(map[Event][]*Waiter),
	}
}

// Subscribe registers a persistent handler for the event.
// The handler fires on every Notify until the Disposable is disposed.
func (n *Notifier) Subscribe(event Event, handler Handler) Disposable {
	return n.subscribe(event, handler, false)
}

// Once registers a handler that fires at most once and then removes itself.
func (n *Notifier) Once(event Event, handler Handler) Disposable {
	return n.subscribe(event, handler, true)
}

func (n *Notifier) subscribe(event Event, handler Handler, once bool) Disposable {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	s := &subscription{n: n, event: event, id: n.nextID, handler: handler, once: once}
	n.subs[event] = append(n.subs[event], s)
	return s
}

// Notify broadcasts the event to all current subscribers and resolves all
// current waiters with the payload.
//
// Handlers are invoked synchronously, in registration order, after the
// internal lock has been released. Once-subscriptions are removed before
// their handler runs, so a handler re-raising the same event cannot fire
// itself again.
func (n *Notifier) Notify(event Event, payload any) {
	n.mu.Lock()
	list := n.subs[event]
	handlers := make([]Handler, 0, len(list))
	for _, s := range list {
		handlers = append(handlers, s.handler)
	}
	// Remove once-subscriptions before dispatching.
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].once {
			list[i].removeLocked()
		}
	}
	waiting := n.waiters[event]
	delete(n.waiters, event)
	n.mu.Unlock()

	for _, w := range waiting {
		w.resolve(payload, nil)
	}
	for _, h := range handlers {
		h(payload)
	}
}

// AbortAll fails every current waiter of the event with an AbortedError
// wrapping cause. Subscriptions are unaffected; only waiters are torn down.
func (n *Notifier) AbortAll(event Event, cause error) {
	n.mu.Lock()
	waiting := n.waiters[event]
	delete(n.waiters, event)
	n.mu.Unlock()

	for _, w := range waiting {
		w.resolve(nil, &AbortedError{Event: event, Cause: cause})
	}
}

// AbortEverything fails every current waiter of every event with an
// AbortedError wrapping cause. Used when the event source itself has
// failed and no registered wait can ever complete.
func (n *Notifier) AbortEverything(cause error) {
	n.mu.Lock()
	all := n.waiters
	n.waiters = make(map[Event][]*Waiter)
	n.mu.Unlock()

	for event, waiting := range all {
		for _, w := range waiting {
			w.resolve(nil, &AbortedError{Event: event, Cause: cause})
		}
	}
}

// Wait blocks until the event fires, the timeout elapses, or ctx is
// cancelled, whichever happens first.
//
// A timeout of zero or below means no timeout. The error reports which of
// the three failure modes occurred: *WaitTimeoutError for an elapsed
// timeout, a wrapped ctx.Err() for cancellation, or *AbortedError if the
// waiter was failed via AbortAll.
func (n *Notifier) Wait(ctx context.Context, event Event, timeout time.Duration) (any, error) {
	w := n.NewWaiter(event)
	defer w.Cancel()
	return w.Await(ctx, timeout)
}

// waitResult carries the outcome of a wait.
type waitResult struct {
	payload any
	err     error
}

// Waiter is a single-use registration for one occurrence of an event.
//
// Registering first and awaiting later lets callers close the classic
// check-then-wait race: create the Waiter, re-check their own state, then
// Await. A notification landing in between is buffered, not lost.
type Waiter struct {
	n     *Notifier
	event Event
	ch    chan waitResult
	once  sync.Once
}

// NewWaiter registers a waiter for the event. The caller must eventually
// call Await or Cancel to release it.
func (n *Notifier) NewWaiter(event Event) *Waiter {
	w := &Waiter{n: n, event: event, ch: make(chan waitResult, 1)}
	n.mu.Lock()
	n.waiters[event] = append(n.waiters[event], w)
	n.mu.Unlock()
	return w
}

// resolve delivers the outcome exactly once. The buffered channel means
// the notifying side never blocks on a waiter.
func (w *Waiter) resolve(payload any, err error) {
	w.once.Do(func() {
		w.ch <- waitResult{payload: payload, err: err}
	})
}

// Cancel deregisters the waiter if it is still pending. Safe to call after
// the waiter has resolved; safe to call more than once.
func (w *Waiter) Cancel() {
	w.n.mu.Lock()
	list := w.n.waiters[w.event]
	for i, other := range list {
		if other == w {
			w.n.waiters[w.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.n.waiters[w.event]) == 0 {
		delete(w.n.waiters, w.event)
	}
	w.n.mu.Unlock()
}

// Await blocks until the waiter resolves, the timeout elapses, or ctx is
// cancelled. A timeout of zero or below disables the timeout. Await must
// be called at most once.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (any, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case res := <-w.ch:
		return res.payload, res.err
	case <-timeoutCh:
		w.Cancel()
		// A notification may have raced the timer; prefer it.
		select {
		case res := <-w.ch:
			return res.payload, res.err
		default:
		}
		return nil, &WaitTimeoutError{Event: w.event, Timeout: timeout}
	case <-ctx.Done():
		w.Cancel()
		select {
		case res := <-w.ch:
			return res.payload, res.err
		default:
		}
		return nil, fmt.Errorf("wait for event %q cancelled: %w", w.event, ctx.Err())
	}
}
