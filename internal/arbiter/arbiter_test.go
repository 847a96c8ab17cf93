package arbiter_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/videoflow/conductor/internal/arbiter"
	"github.com/videoflow/conductor/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newArbiter(t *testing.T, maxWait time.Duration) *arbiter.Arbiter {
	t.Helper()
	a := arbiter.New(arbiter.Config{
		MaxWait:      maxWait,
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(a.Shutdown)
	return a
}

func bound(step string, blocking bool) arbiter.Request {
	return arbiter.Request{Step: step, Bound: true, Blocking: blocking}
}

type result struct {
	lease *arbiter.Lease
	err   error
}

func acquireAsync(ctx context.Context, a *arbiter.Arbiter, req arbiter.Request) <-chan result {
	ch := make(chan result, 1)
	go func() {
		l, err := a.Acquire(ctx, req)
		ch <- result{lease: l, err: err}
	}()
	return ch
}

func TestAcquire_NotBound(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	held, err := a.Acquire(t.Context(), bound("tracking", false))
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	lease, err := a.Acquire(t.Context(), arbiter.Request{Step: "minify_json", Blocking: true})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.False(t, lease.Owned())
	lease.Release()

	holder, ok := a.Peek()
	require.True(t, ok)
	require.Equal(t, "tracking", holder)
	require.Empty(t, a.WaitingSteps())
}

func TestAcquire_Busy(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	lease, err := a.Acquire(t.Context(), bound("a", false))
	require.NoError(t, err)
	require.True(t, lease.Owned())

	_, err = a.Acquire(t.Context(), bound("b", false))
	require.ErrorIs(t, err, arbiter.ErrBusy)
	var busy *arbiter.BusyError
	require.True(t, errors.As(err, &busy))
	require.Equal(t, "a", busy.Holder)
	require.Empty(t, a.WaitingSteps())

	lease.Release()
	_, ok := a.Peek()
	require.False(t, ok)
}

func TestAcquire_Reentrant(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	first, err := a.Acquire(t.Context(), bound("a", true))
	require.NoError(t, err)
	second, err := a.Acquire(t.Context(), bound("a", true))
	require.NoError(t, err)
	require.False(t, second.Owned())

	second.Release()
	holder, ok := a.Peek()
	require.True(t, ok)
	require.Equal(t, "a", holder)

	first.Release()
	first.Release()
	_, ok = a.Peek()
	require.False(t, ok)
}

func TestRelease_Mismatched(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	lease, err := a.Acquire(t.Context(), bound("a", false))
	require.NoError(t, err)
	defer lease.Release()

	a.Release("b")
	a.Release("")
	holder, _ := a.Peek()
	require.Equal(t, "a", holder)
}

func TestAcquire_FIFO(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	var released atomic.Int32
	a.SetOnRelease(func() { released.Add(1) })

	lease, err := a.Acquire(t.Context(), bound("a", true))
	require.NoError(t, err)

	var waits atomic.Int32
	reqB := bound("b", true)
	reqB.OnWait = func() { waits.Add(1) }
	b := acquireAsync(t.Context(), a, reqB)
	require.Eventually(t, func() bool { return len(a.WaitingSteps()) == 1 }, time.Second, 5*time.Millisecond)
	c := acquireAsync(t.Context(), a, bound("c", true))
	require.Eventually(t, func() bool { return len(a.WaitingSteps()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"b", "c"}, a.WaitingSteps())
	require.Equal(t, int32(1), waits.Load())

	// a newcomer does not overtake the queue
	_, err = a.Acquire(t.Context(), bound("d", false))
	require.ErrorIs(t, err, arbiter.ErrBusy)

	lease.Release()
	rb := <-b
	require.NoError(t, rb.err)
	require.True(t, rb.lease.Owned())
	holder, _ := a.Peek()
	require.Equal(t, "b", holder)
	require.Equal(t, []string{"c"}, a.WaitingSteps())

	rb.lease.Release()
	rc := <-c
	require.NoError(t, rc.err)
	holder, _ = a.Peek()
	require.Equal(t, "c", holder)
	rc.lease.Release()

	require.Eventually(t, func() bool { return released.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestAcquire_Timeout(t *testing.T) {
	t.Parallel()
	const maxWait = 200 * time.Millisecond
	a := newArbiter(t, maxWait)

	lease, err := a.Acquire(t.Context(), bound("a", false))
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = a.Acquire(t.Context(), bound("b", true))
	took := time.Since(start)
	require.ErrorIs(t, err, arbiter.ErrTimeout)
	require.GreaterOrEqual(t, took, maxWait)
	require.Less(t, took, maxWait+time.Second)
	require.Empty(t, a.WaitingSteps())
}

func TestAcquire_Context(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	lease, err := a.Acquire(t.Context(), bound("a", false))
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(t.Context())
	ch := acquireAsync(ctx, a, bound("b", true))
	require.Eventually(t, func() bool { return len(a.WaitingSteps()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	r := <-ch
	require.ErrorIs(t, r.err, context.Canceled)
	require.Empty(t, a.WaitingSteps())
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	a := newArbiter(t, time.Minute)

	lease, err := a.Acquire(t.Context(), bound("holder", false))
	require.NoError(t, err)

	var chans []<-chan result
	for i := range 5 {
		chans = append(chans, acquireAsync(t.Context(), a, bound(fmt.Sprintf("w%d", i), true)))
	}
	require.Eventually(t, func() bool { return len(a.WaitingSteps()) == 5 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	a.Shutdown()
	a.Shutdown()
	for _, ch := range chans {
		r := <-ch
		require.ErrorIs(t, r.err, arbiter.ErrShutdown)
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Empty(t, a.WaitingSteps())

	_, err = a.Acquire(t.Context(), bound("late", true))
	require.ErrorIs(t, err, arbiter.ErrShutdown)

	lease.Release()
	_, ok := a.Peek()
	require.False(t, ok)
}

func TestAcquire_AtMostOneHolder(t *testing.T) {
	t.Parallel()
	_, m := metrics.NewRegistry()
	a := arbiter.New(arbiter.Config{
		MaxWait:      10 * time.Second,
		PollInterval: 5 * time.Millisecond,
		Metrics:      m,
	})
	t.Cleanup(a.Shutdown)

	var inside atomic.Int32
	var maxInside atomic.Int32
	g, ctx := errgroup.WithContext(t.Context())
	for i := range 20 {
		g.Go(func() error {
			lease, err := a.Acquire(ctx, bound(fmt.Sprintf("s%d", i), true))
			if err != nil {
				return err
			}
			defer lease.Release()
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxInside.Load())

	_, ok := a.Peek()
	require.False(t, ok)
	require.Equal(t, 0.0, testutil.ToFloat64(m.AcceleratorHeld))
	require.Equal(t, 0.0, testutil.ToFloat64(m.AcceleratorQueue))
}
