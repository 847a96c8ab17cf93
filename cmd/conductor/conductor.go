package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/videoflow/conductor/internal/arbiter"
	"github.com/videoflow/conductor/internal/dispatch"
	"github.com/videoflow/conductor/internal/metrics"
	"github.com/videoflow/conductor/internal/model"
	"github.com/videoflow/conductor/internal/sequence"
	"github.com/videoflow/conductor/internal/service"
	"github.com/videoflow/conductor/internal/store"
)

// Conductor wires the arbiter, supervisor, sequence runner, dispatcher
// and the optional history store together.
type Conductor struct {
	cfg        model.Config
	metrics    *metrics.Metrics
	arbiter    *arbiter.Arbiter
	supervisor *service.Supervisor
	sequences  *sequence.Runner
	dispatcher *dispatch.Dispatcher
	store      *store.Store
}

type options struct {
	vars   map[string]string
	onLine func(step, line string)
}

func NewConductor(ctx context.Context, cfg model.Config, opts options) (*Conductor, error) {
	c := &Conductor{
		cfg:     cfg,
		metrics: metrics.Default(),
	}

	var (
		runRecorder     service.RunRecorder
		outcomeRecorder sequence.OutcomeRecorder
		last            *sequence.Outcome
	)
	if cfg.Service.Database != "" {
		s, err := store.Open(ctx, cfg.Service.Database)
		if err != nil {
			return nil, fmt.Errorf("opening history %s: %w", cfg.Service.Database, err)
		}
		c.store = s
		runRecorder = s
		outcomeRecorder = s

		out, err := s.LatestOutcome(ctx)
		switch {
		case err == nil:
			last = &out
		case errors.Is(err, store.ErrNotFound):
		default:
			slog.WarnContext(ctx, "reading latest outcome", "error", err)
		}
	}

	c.arbiter = arbiter.New(arbiter.Config{
		MaxWait:      cfg.Accelerator.MaxWaitDuration(),
		PollInterval: cfg.Accelerator.PollIntervalDuration(),
		Metrics:      c.metrics,
	})

	vars := maps.Clone(cfg.Vars)
	if vars == nil {
		vars = make(map[string]string, len(opts.vars))
	}
	maps.Copy(vars, opts.vars)
	sup, err := service.NewSupervisor(service.Config{
		Steps:    cfg.Steps,
		Vars:     vars,
		Arbiter:  c.arbiter,
		Recorder: runRecorder,
		Metrics:  c.metrics,
		OnLine:   opts.onLine,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.supervisor = sup

	c.sequences = sequence.NewRunner(sequence.Config{
		Supervisor:   sup,
		Recorder:     outcomeRecorder,
		Metrics:      c.metrics,
		PollInterval: sequence.DefaultPollInterval,
		Last:         last,
	})

	d, err := dispatch.New(dispatch.Config{
		Arbiter:    c.arbiter,
		Supervisor: sup,
		Sequencer:  c.sequences,
		Metrics:    c.metrics,
		Interval:   cfg.Dispatch.IntervalDuration(),
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.dispatcher = d
	c.arbiter.SetOnRelease(d.Notify)
	return c, nil
}

// Serve runs the dispatcher, the automatic schedule and the metrics
// endpoint until ctx is done.
func (c *Conductor) Serve(ctx context.Context) error {
	if c.cfg.Auto != nil {
		auto := *c.cfg.Auto
		steps, err := c.cfg.Sequence(auto.Sequence)
		if err != nil {
			return err
		}
		err = c.dispatcher.ScheduleAuto(ctx, auto, func(ctx context.Context) {
			c.runAuto(ctx, auto.Sequence, steps)
		})
		if err != nil {
			return err
		}
	}
	if err := c.dispatcher.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := c.cfg.Service.Metrics; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.InfoContext(ctx, "serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down")
		c.sequences.RequestStop()
		return nil
	})
	return g.Wait()
}

func (c *Conductor) runAuto(ctx context.Context, name string, steps []string) {
	out, err := c.sequences.Run(ctx, steps, sequence.KindAutomatic)
	if errors.Is(err, sequence.ErrAlreadyRunning) {
		slog.InfoContext(ctx, "automatic sequence skipped", "sequence", name, "error", err)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "automatic sequence", "sequence", name, "error", err)
		return
	}
	slog.InfoContext(ctx, "automatic sequence finished",
		"sequence", name,
		"status", out.Status,
		"message", out.Message,
	)
}

// Close stops every component. Running processes are terminated.
func (c *Conductor) Close() {
	if c.dispatcher != nil {
		c.dispatcher.Stop()
	}
	if c.sequences != nil {
		c.sequences.RequestStop()
	}
	c.arbiter.Shutdown()
	if c.supervisor != nil {
		c.supervisor.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			slog.Error("closing history", "error", err)
		}
	}
}
