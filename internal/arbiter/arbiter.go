// Package arbiter serializes access to the single accelerator shared by
// all accelerator bound steps.
//
// At most one step holds the accelerator. Requests that cannot be granted
// join a FIFO queue and Release hands the accelerator directly to the queue
// head, so a step arriving later never overtakes a waiting one.
package arbiter

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/videoflow/conductor/internal/metrics"
)

const (
	DefaultMaxWait      = 300 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

type Config struct {
	MaxWait      time.Duration
	PollInterval time.Duration
	Metrics      *metrics.Metrics
}

// Request describes one Acquire call.
type Request struct {
	Step     string
	Bound    bool   // the step needs the accelerator
	Blocking bool   // wait in the queue instead of failing with ErrBusy
	OnWait   func() // called once when the request gets queued
}

type entry struct {
	step     string
	enqueued time.Time
	refs     int
	claimed  bool
}

type Arbiter struct {
	maxWait time.Duration
	poll    time.Duration
	metrics *metrics.Metrics

	mx        sync.Mutex
	holder    string
	granted   *entry // queue entry the accelerator was handed to
	queue     []*entry
	changed   chan struct{}
	onRelease func()

	closeOnce sync.Once
	closed    bool
	shutdown  chan struct{}
}

func New(cfg Config) *Arbiter {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Arbiter{
		maxWait:  cfg.MaxWait,
		poll:     cfg.PollInterval,
		metrics:  cfg.Metrics,
		changed:  make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// SetOnRelease registers fn to be run in its own goroutine after every
// successful Release.
func (a *Arbiter) SetOnRelease(fn func()) {
	a.mx.Lock()
	a.onRelease = fn
	a.mx.Unlock()
}

// Acquire grants the accelerator to req.Step.
//
// Requests which are not bound get a no-op lease. A step that already holds
// the accelerator gets a non-owning lease whose Release does nothing.
// A non-blocking request on a busy accelerator fails with *BusyError.
// A blocking one waits until it is handed the accelerator, MaxWait elapses
// (ErrTimeout), Shutdown is called (ErrShutdown) or ctx is done.
func (a *Arbiter) Acquire(ctx context.Context, req Request) (*Lease, error) {
	if !req.Bound {
		return &Lease{step: req.Step}, nil
	}

	a.mx.Lock()
	if a.closed {
		a.mx.Unlock()
		return nil, ErrShutdown
	}
	if a.holder == req.Step {
		a.mx.Unlock()
		return &Lease{step: req.Step}, nil
	}
	if a.holder == "" && len(a.queue) == 0 {
		a.holder = req.Step
		a.granted = nil
		a.changedLocked()
		a.mx.Unlock()
		a.metrics.ObserveAcquire("granted", 0)
		return a.lease(req.Step), nil
	}
	if !req.Blocking {
		holder := a.holder
		if holder == "" {
			holder = a.queue[0].step
		}
		a.mx.Unlock()
		return nil, &BusyError{Holder: holder}
	}

	e := a.enqueueLocked(req.Step)
	a.mx.Unlock()
	slog.DebugContext(ctx, "waiting for accelerator", "step", req.Step)
	if req.OnWait != nil {
		req.OnWait()
	}
	return a.wait(ctx, e)
}

func (a *Arbiter) wait(ctx context.Context, e *entry) (*Lease, error) {
	start := time.Now()
	timer := time.NewTimer(a.maxWait)
	defer timer.Stop()
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		a.mx.Lock()
		if a.holder == e.step && a.granted == e {
			owned := !e.claimed
			e.claimed = true
			a.mx.Unlock()
			a.metrics.ObserveAcquire("granted", time.Since(start))
			if owned {
				return a.lease(e.step), nil
			}
			return &Lease{step: e.step}, nil
		}
		if a.closed {
			a.leaveLocked(e)
			a.mx.Unlock()
			a.metrics.ObserveAcquire("shutdown", time.Since(start))
			return nil, ErrShutdown
		}
		changed := a.changed
		a.mx.Unlock()

		var err error
		select {
		case <-changed:
		case <-ticker.C:
		case <-a.shutdown:
		case <-timer.C:
			err = ErrTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err == nil {
			continue
		}

		a.mx.Lock()
		if a.holder == e.step && a.granted == e && !e.claimed {
			// handed over just before giving up
			e.claimed = true
			a.mx.Unlock()
			a.metrics.ObserveAcquire("granted", time.Since(start))
			return a.lease(e.step), nil
		}
		a.leaveLocked(e)
		a.mx.Unlock()
		if err == ErrTimeout {
			a.metrics.ObserveAcquire("timeout", time.Since(start))
			slog.WarnContext(ctx, "accelerator wait timed out", "step", e.step, "max_wait", a.maxWait.String())
		} else {
			a.metrics.ObserveAcquire("canceled", time.Since(start))
		}
		return nil, err
	}
}

// Release gives up the accelerator held by step and hands it to the
// head of the queue. A release by a step which does not hold the
// accelerator is ignored.
func (a *Arbiter) Release(step string) {
	a.mx.Lock()
	if a.holder != step || step == "" {
		holder := a.holder
		a.mx.Unlock()
		slog.Warn("accelerator released by non holder", "step", step, "holder", holder)
		return
	}
	a.queue = slices.DeleteFunc(a.queue, func(e *entry) bool { return e.step == step })
	a.holder = ""
	a.granted = nil
	if len(a.queue) > 0 {
		head := a.queue[0]
		a.queue = a.queue[1:]
		a.holder = head.step
		a.granted = head
	}
	next := a.holder
	a.changedLocked()
	hook := a.onRelease
	a.mx.Unlock()

	slog.Debug("accelerator released", "step", step, "next", next)
	if hook != nil {
		go hook()
	}
}

// Peek returns the current holder.
func (a *Arbiter) Peek() (string, bool) {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.holder, a.holder != ""
}

// WaitingSteps returns the queued steps in the order they will be served.
func (a *Arbiter) WaitingSteps() []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	ret := make([]string, len(a.queue))
	for i, e := range a.queue {
		ret[i] = e.step
	}
	return ret
}

// Shutdown makes every pending and future blocking Acquire fail with
// ErrShutdown. Held leases stay valid.
func (a *Arbiter) Shutdown() {
	a.closeOnce.Do(func() {
		a.mx.Lock()
		a.closed = true
		close(a.shutdown)
		a.changedLocked()
		a.mx.Unlock()
	})
}

func (a *Arbiter) lease(step string) *Lease {
	return &Lease{a: a, step: step, owned: true}
}

func (a *Arbiter) enqueueLocked(step string) *entry {
	for _, e := range a.queue {
		if e.step == step {
			e.refs++
			return e
		}
	}
	e := &entry{step: step, enqueued: time.Now(), refs: 1}
	a.queue = append(a.queue, e)
	a.changedLocked()
	return e
}

func (a *Arbiter) leaveLocked(e *entry) {
	e.refs--
	if e.refs > 0 {
		return
	}
	n := len(a.queue)
	a.queue = slices.DeleteFunc(a.queue, func(q *entry) bool { return q == e })
	if n != len(a.queue) {
		a.changedLocked()
	}
}

// changedLocked wakes all waiters and refreshes the gauges.
func (a *Arbiter) changedLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
	a.metrics.SetHolder(a.holder != "")
	a.metrics.SetQueueLength(len(a.queue))
}

// Lease is the scoped handle returned by Acquire.
type Lease struct {
	a     *Arbiter
	step  string
	owned bool
	once  sync.Once
}

func (l *Lease) Step() string {
	return l.step
}

// Owned reports whether Release gives the accelerator back.
func (l *Lease) Owned() bool {
	return l != nil && l.owned
}

// Release is idempotent and safe on a nil or non-owning lease.
func (l *Lease) Release() {
	if l == nil || !l.owned {
		return
	}
	l.once.Do(func() {
		l.a.Release(l.step)
	})
}
