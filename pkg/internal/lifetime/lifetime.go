package lifetime

import "sync"

// Owner holds a value on behalf of whoever created it. Other components get a
// Weak handle and must pin the value for the duration of each operation.
// After Release the value is no longer reachable through any Weak handle.
type Owner[T any] struct {
    mu   sync.RWMutex
    v    T
    dead bool
}

func New[T any](v T) *Owner[T] { return &Owner[T]{v: v} }

// Weak returns a non-owning handle to the value.
func (o *Owner[T]) Weak() Weak[T] { return Weak[T]{o: o} }

// Alive reports whether Release has not been called yet.
func (o *Owner[T]) Alive() bool {
    o.mu.RLock(); defer o.mu.RUnlock()
    return !o.dead
}

// Release marks the value dead and blocks until every outstanding pin has
// been dropped. Calling it more than once is a no-op.
func (o *Owner[T]) Release() {
    o.mu.Lock()
    defer o.mu.Unlock()
    if o.dead { return }
    o.dead = true
    var zero T
    o.v = zero
}

// Weak is a liveness-checked reference to a value held by an Owner. The zero
// Weak is valid and never resolves.
type Weak[T any] struct {
    o *Owner[T]
}

// Lock pins the value. When ok is true the caller must invoke unlock once the
// operation is done; while pinned, Release waits. Pins must not be nested in
// the same goroutine.
func (w Weak[T]) Lock() (v T, unlock func(), ok bool) {
    if w.o == nil { return v, func() {}, false }
    w.o.mu.RLock()
    if w.o.dead {
        w.o.mu.RUnlock()
        return v, func() {}, false
    }
    return w.o.v, w.o.mu.RUnlock, true
}

// Expired reports whether the value can no longer be pinned.
func (w Weak[T]) Expired() bool {
    if w.o == nil { return true }
    return !w.o.Alive()
}
