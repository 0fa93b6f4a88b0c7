package unreliable

import (
	"sync"

	"github.com/nerrad567/keeper/internal/broadcast"
)

// DisposableList collects event subscriptions created while a resource
// instance is live and releases them in bulk on every exit path, so no
// handler ever fires against a reused or dead handle.
//
// The zero value is ready to use. DisposeAll is idempotent.
type DisposableList struct {
	mu    sync.Mutex
	items []broadcast.Disposable
}

// Add appends a subscription to the list.
func (l *DisposableList) Add(d broadcast.Disposable) {
	l.mu.Lock()
	l.items = append(l.items, d)
	l.mu.Unlock()
}

// DisposeAll releases every collected subscription and empties the list.
func (l *DisposableList) DisposeAll() {
	l.mu.Lock()
	items := l.items
	l.items = nil
	l.mu.Unlock()

	for _, d := range items {
		d.Dispose()
	}
}

// Len returns the number of live subscriptions.
func (l *DisposableList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
