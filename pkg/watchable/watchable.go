// Package watchable provides a small reactive cell: a value which can be
// observed for changes and awaited until it reaches a given target.
package watchable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTimeout = errors.New("watchable: timeout occurred")

// ChangeFunc is invoked with the previous and the new value of a cell.
type ChangeFunc[T comparable] func(oldVal, newVal T)

type subscription[T comparable] struct {
	id uint64
	cb ChangeFunc[T]
}

// Value is a thread-safe cell.
//
// Callbacks run on the goroutine calling `Set` or `Update`, after the new
// value is committed and without any internal lock held, so they MAY call
// back into the cell. Concurrent writers can interleave notifications, but
// every callback receives the exact (old, new) pair of its transition.
type Value[T comparable] struct {
	lk       sync.Mutex
	val      T
	nextID   uint64
	any      []subscription[T]
	byTarget map[T][]subscription[T]
}

func New[T comparable](initial T) *Value[T] {
	return &Value[T]{
		val:      initial,
		byTarget: make(map[T][]subscription[T]),
	}
}

func (v *Value[T]) Get() T {
	v.lk.Lock()
	defer v.lk.Unlock()
	return v.val
}

// Set changes the value and notifies subscribers. Setting the current value
// is a no-op. It reports whether the value changed.
func (v *Value[T]) Set(newVal T) bool {
	return v.Update(func(T) (T, bool) { return newVal, true })
}

// Update atomically computes the next value from the current one.
// When fn returns false, or returns the current value, nothing happens.
func (v *Value[T]) Update(fn func(current T) (T, bool)) bool {
	v.lk.Lock()
	oldVal := v.val
	newVal, ok := fn(oldVal)
	if !ok || newVal == oldVal {
		v.lk.Unlock()
		return false
	}
	v.val = newVal
	anyCbs := make([]subscription[T], len(v.any))
	copy(anyCbs, v.any)
	targetCbs := make([]subscription[T], len(v.byTarget[newVal]))
	copy(targetCbs, v.byTarget[newVal])
	v.lk.Unlock()

	for _, sub := range anyCbs {
		sub.cb(oldVal, newVal)
	}
	for _, sub := range targetCbs {
		sub.cb(oldVal, newVal)
	}
	return true
}

// OnChange registers cb for every transition. The returned function
// unsubscribes it.
func (v *Value[T]) OnChange(cb ChangeFunc[T]) (unsubscribe func()) {
	v.lk.Lock()
	defer v.lk.Unlock()
	v.nextID++
	id := v.nextID
	v.any = append(v.any, subscription[T]{id: id, cb: cb})
	return func() {
		v.lk.Lock()
		defer v.lk.Unlock()
		v.any = removeSub(v.any, id)
	}
}

// OnChangeTo registers cb for transitions landing exactly on target.
func (v *Value[T]) OnChangeTo(target T, cb ChangeFunc[T]) (unsubscribe func()) {
	v.lk.Lock()
	defer v.lk.Unlock()
	return v.onChangeToLocked(target, cb)
}

func (v *Value[T]) onChangeToLocked(target T, cb ChangeFunc[T]) func() {
	v.nextID++
	id := v.nextID
	v.byTarget[target] = append(v.byTarget[target], subscription[T]{id: id, cb: cb})
	return func() {
		v.lk.Lock()
		defer v.lk.Unlock()
		subs := removeSub(v.byTarget[target], id)
		if len(subs) == 0 {
			delete(v.byTarget, target)
		} else {
			v.byTarget[target] = subs
		}
	}
}

// WaitUntil blocks until the value equals target. It returns immediately
// when the value already equals target. The subscription is always
// released, even when ctx ends first.
func (v *Value[T]) WaitUntil(ctx context.Context, target T) error {
	v.lk.Lock()
	if v.val == target {
		v.lk.Unlock()
		return nil
	}
	reached := make(chan struct{})
	var once sync.Once
	unsub := v.onChangeToLocked(target, func(_, _ T) {
		once.Do(func() { close(reached) })
	})
	v.lk.Unlock()
	defer unsub()

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for %v", ErrTimeout, target)
		}
		return ctx.Err()
	}
}

// WaitUntilTimeout is `WaitUntil` racing a timeout. A zero or negative
// timeout waits forever.
func (v *Value[T]) WaitUntilTimeout(target T, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return v.WaitUntil(ctx, target)
}

// WaitFor blocks until pred holds for the value and returns that value.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	v.lk.Lock()
	if cur := v.val; pred(cur) {
		v.lk.Unlock()
		return cur, nil
	}
	reached := make(chan T, 1)
	v.nextID++
	id := v.nextID
	v.any = append(v.any, subscription[T]{id: id, cb: func(_, newVal T) {
		if pred(newVal) {
			select {
			case reached <- newVal:
			default:
			}
		}
	}})
	v.lk.Unlock()
	defer func() {
		v.lk.Lock()
		v.any = removeSub(v.any, id)
		v.lk.Unlock()
	}()

	select {
	case val := <-reached:
		return val, nil
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}

func (v *Value[T]) subscribers() int {
	v.lk.Lock()
	defer v.lk.Unlock()
	n := len(v.any)
	for _, subs := range v.byTarget {
		n += len(subs)
	}
	return n
}

func removeSub[T comparable](subs []subscription[T], id uint64) []subscription[T] {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
