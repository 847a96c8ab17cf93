// Package dispatch repairs pending accelerator work and drives the
// automatic sequence schedule.
//
// The arbiter hands the accelerator over to the queue head on release, so
// the dispatcher is a safety net: it relaunches steps left in
// pending_accelerator while the accelerator is free and nobody waits for
// it. It runs on every release notification and periodically.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/videoflow/conductor/internal/metrics"
	"github.com/videoflow/conductor/internal/service"
)

const DefaultInterval = 5 * time.Second

type Arbiter interface {
	Peek() (string, bool)
	WaitingSteps() []string
}

type Supervisor interface {
	Pending() []string
	Launch(ctx context.Context, name string, opts service.LaunchOptions) error
	Stop(ctx context.Context, name string) error
}

type Sequencer interface {
	CurrentAutomaticStep() string
}

type Config struct {
	Arbiter    Arbiter
	Supervisor Supervisor
	Sequencer  Sequencer // optional
	Metrics    *metrics.Metrics
	Interval   time.Duration
}

type Dispatcher struct {
	arbiter    Arbiter
	supervisor Supervisor
	sequencer  Sequencer
	metrics    *metrics.Metrics
	interval   time.Duration

	notify    chan struct{}
	scheduler gocron.Scheduler

	sweepMx sync.Mutex
	stale   map[string]struct{} // pending steps seen by the previous sweep

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Arbiter == nil || cfg.Supervisor == nil {
		return nil, errors.New("dispatch: arbiter and supervisor are required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &Dispatcher{
		arbiter:    cfg.Arbiter,
		supervisor: cfg.Supervisor,
		sequencer:  cfg.Sequencer,
		metrics:    cfg.Metrics,
		interval:   interval,
		notify:     make(chan struct{}, 1),
		scheduler:  scheduler,
		stale:      make(map[string]struct{}),
	}, nil
}

// Notify wakes the dispatcher up without blocking. It is registered as the
// arbiter on-release hook.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Start registers the periodic sweep, starts the scheduler with all jobs
// added so far and the notification loop. Stop ends both.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.scheduler.NewJob(
		gocron.DurationJob(d.interval),
		gocron.NewTask(func() { d.Sweep(ctx) }),
		gocron.WithName("dispatch-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	ctx, d.stop = context.WithCancel(ctx)
	d.wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.notify:
				d.Sweep(ctx)
			}
		}
	})
	d.scheduler.Start()
	slog.DebugContext(ctx, "dispatcher started", "interval", d.interval.String())
	return nil
}

func (d *Dispatcher) Stop() {
	if err := d.scheduler.Shutdown(); err != nil {
		slog.Error("shutting down gocron has failed", "error", err)
	}
	if d.stop != nil {
		d.stop()
	}
	d.wg.Wait()
}

// Sweep relaunches steps stuck in pending_accelerator. A step is stuck when
// two consecutive sweeps find it pending while the accelerator is free and
// the wait queue is empty. It returns the relaunched steps.
func (d *Dispatcher) Sweep(ctx context.Context) []string {
	d.sweepMx.Lock()
	defer d.sweepMx.Unlock()

	waiting := d.arbiter.WaitingSteps()
	_, held := d.arbiter.Peek()
	d.metrics.SetQueueLength(len(waiting))
	d.metrics.SetHolder(held)

	pending := d.supervisor.Pending()
	if held || len(waiting) > 0 || len(pending) == 0 {
		clear(d.stale)
		return nil
	}

	var stuck []string
	for _, name := range pending {
		if _, ok := d.stale[name]; ok {
			stuck = append(stuck, name)
		}
	}
	clear(d.stale)
	for _, name := range pending {
		if !slices.Contains(stuck, name) {
			d.stale[name] = struct{}{}
		}
	}
	if len(stuck) == 0 {
		return nil
	}

	current := ""
	if d.sequencer != nil {
		current = d.sequencer.CurrentAutomaticStep()
	}
	if i := slices.Index(stuck, current); i > 0 {
		stuck = slices.Insert(slices.Delete(stuck, i, i+1), 0, current)
	}

	var relaunched []string
	for _, name := range stuck {
		if err := d.supervisor.Stop(ctx, name); err != nil && !errors.Is(err, service.ErrNoActiveStep) {
			slog.WarnContext(ctx, "canceling stuck step", "step", name, "error", err)
			continue
		}
		err := d.supervisor.Launch(ctx, name, service.LaunchOptions{Auto: name == current})
		if err != nil {
			slog.ErrorContext(ctx, "relaunching stuck step", "step", name, "error", err)
			continue
		}
		slog.InfoContext(ctx, "relaunched step stuck in pending_accelerator", "step", name)
		d.metrics.Relaunched()
		relaunched = append(relaunched, name)
	}
	return relaunched
}
