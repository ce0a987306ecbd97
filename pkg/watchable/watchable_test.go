package watchable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValue_SetNotifies(t *testing.T) {
	v := New("a")

	var changes [][2]string
	v.OnChange(func(oldVal, newVal string) {
		changes = append(changes, [2]string{oldVal, newVal})
	})

	var targeted int
	v.OnChangeTo("c", func(_, _ string) { targeted++ })

	require.True(t, v.Set("b"))
	require.False(t, v.Set("b"), "setting the same value must be a no-op")
	require.True(t, v.Set("c"))

	require.Equal(t, [][2]string{{"a", "b"}, {"b", "c"}}, changes)
	require.Equal(t, 1, targeted)
	require.Equal(t, "c", v.Get())
}

func TestValue_AnyBeforeTargeted(t *testing.T) {
	v := New(0)
	var order []string
	v.OnChangeTo(1, func(_, _ int) { order = append(order, "target") })
	v.OnChange(func(_, _ int) { order = append(order, "any") })

	v.Set(1)
	require.Equal(t, []string{"any", "target"}, order)
}

func TestValue_Unsubscribe(t *testing.T) {
	v := New(0)
	var calls int
	unsub := v.OnChange(func(_, _ int) { calls++ })
	unsubT := v.OnChangeTo(2, func(_, _ int) { calls++ })

	v.Set(1)
	unsub()
	unsubT()
	v.Set(2)

	require.Equal(t, 1, calls)
	require.Equal(t, 0, v.subscribers())
}

func TestValue_Update(t *testing.T) {
	v := New("open")
	terminal := func(next string) func(string) (string, bool) {
		return func(cur string) (string, bool) {
			if cur == "closed" {
				return cur, false
			}
			return next, true
		}
	}

	require.True(t, v.Update(terminal("closed")))
	require.False(t, v.Update(terminal("open")))
	require.Equal(t, "closed", v.Get())
}

func TestValue_WaitUntil(t *testing.T) {
	t.Run("resolves immediately when already at target", func(t *testing.T) {
		v := New(3)
		require.NoError(t, v.WaitUntilTimeout(3, time.Millisecond))
		require.Equal(t, 0, v.subscribers())
	})

	t.Run("resolves on the next transition into target", func(t *testing.T) {
		v := New(0)
		done := make(chan error, 1)
		go func() {
			done <- v.WaitUntil(context.Background(), 2)
		}()

		require.Eventually(t, func() bool { return v.subscribers() == 1 }, time.Second, time.Millisecond)
		v.Set(1)
		select {
		case <-done:
			t.Fatal("resolved on the wrong value")
		case <-time.After(20 * time.Millisecond):
		}
		v.Set(2)
		require.NoError(t, <-done)
		require.Equal(t, 0, v.subscribers())
	})

	t.Run("times out without leaking the subscription", func(t *testing.T) {
		v := New(0)
		err := v.WaitUntilTimeout(1, 10*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
		require.Equal(t, 0, v.subscribers())
	})

	t.Run("honours cancellation", func(t *testing.T) {
		v := New(0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, v.WaitUntil(ctx, 1), context.Canceled)
	})
}

func TestValue_WaitFor(t *testing.T) {
	v := New(0)
	go func() {
		time.Sleep(5 * time.Millisecond)
		v.Set(1)
		v.Set(5)
	}()

	got, err := v.WaitFor(context.Background(), func(n int) bool { return n > 3 })
	require.NoError(t, err)
	require.Equal(t, 5, got)
	require.Equal(t, 0, v.subscribers())
}

func TestValue_ConcurrentSet(t *testing.T) {
	v := New(0)
	var lk sync.Mutex
	seen := 0
	v.OnChange(func(_, _ int) {
		lk.Lock()
		seen++
		lk.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v.Set(n)
		}(i)
	}
	wg.Wait()

	lk.Lock()
	defer lk.Unlock()
	require.GreaterOrEqual(t, seen, 1)
	require.LessOrEqual(t, seen, 64)
}

func TestValue_ReentrantCallback(t *testing.T) {
	v := New(0)
	v.OnChangeTo(1, func(_, _ int) {
		v.Set(2)
	})
	v.Set(1)
	require.Equal(t, 2, v.Get())
}
