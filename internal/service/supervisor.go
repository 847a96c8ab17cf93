package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/videoflow/conductor/internal/arbiter"
	"github.com/videoflow/conductor/internal/log"
	"github.com/videoflow/conductor/internal/metrics"
	"github.com/videoflow/conductor/internal/model"
	"github.com/videoflow/conductor/internal/progress"
)

var (
	ErrUnknownStep       = errors.New("unknown step")
	ErrUnresolvedCommand = errors.New("unresolved command")
	ErrStepActive        = errors.New("step already active")
	ErrNoActiveStep      = errors.New("no active step")
	ErrClosed            = errors.New("supervisor closed")
)

// settleMargin is added to the grace period when Cancel waits for the run
// to finish.
const settleMargin = 2 * time.Second

// RunRecord describes one finished launch.
type RunRecord struct {
	Step     string
	Status   Status
	Auto     bool
	ExitCode *int
	Started  time.Time
	Ended    time.Time
	Message  string
}

// RunRecorder persists finished launches.
type RunRecorder interface {
	SaveRun(ctx context.Context, rec RunRecord) error
}

type LaunchOptions struct {
	Auto bool              // launched by an automatic sequence
	Vars map[string]string // override the configured placeholder values
}

type Config struct {
	Steps       []model.Step
	Vars        map[string]string
	Arbiter     *arbiter.Arbiter
	Recorder    RunRecorder
	Metrics     *metrics.Metrics
	GracePeriod time.Duration
	// OnLine, if set, receives every output line of every step. It is
	// called from the output reader and must not block.
	OnLine func(step, line string)
}

// StepSummary is a snapshot of a step state.
type StepSummary struct {
	Name         string            `json:"name"`
	DisplayName  string            `json:"display_name"`
	Accelerator  bool              `json:"accelerator"`
	Status       Status            `json:"status"`
	Auto         bool              `json:"auto"`
	Progress     progress.Progress `json:"progress"`
	Log          []string          `json:"log"`
	Started      time.Time         `json:"started,omitzero"`
	Ended        time.Time         `json:"ended,omitzero"`
	Duration     time.Duration     `json:"duration"`
	DurationText string            `json:"duration_text"`
	ExitCode     *int              `json:"exit_code,omitempty"`
}

type stepState struct {
	def    model.Step
	parser *progress.Parser

	status   Status
	auto     bool
	log      *ringLog
	progress progress.Progress
	started  time.Time
	ended    time.Time
	exitCode *int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor launches and monitors one external process per named step.
type Supervisor struct {
	order    []string
	vars     map[string]string
	arbiter  *arbiter.Arbiter
	recorder RunRecorder
	metrics  *metrics.Metrics
	grace    time.Duration
	lineHook func(step, line string)

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mx     sync.RWMutex
	closed bool
	states map[string]*stepState
}

func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Arbiter == nil {
		return nil, errors.New("supervisor: arbiter is nil")
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	s := &Supervisor{
		order:    make([]string, 0, len(cfg.Steps)),
		vars:     maps.Clone(cfg.Vars),
		arbiter:  cfg.Arbiter,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		grace:    grace,
		lineHook: cfg.OnLine,
		states:   make(map[string]*stepState, len(cfg.Steps)),
	}
	for _, def := range cfg.Steps {
		if _, ok := s.states[def.Name]; ok {
			return nil, fmt.Errorf("duplicate step %q", def.Name)
		}
		parser, err := progress.Compile(def.Progress)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", def.Name, err)
		}
		done := make(chan struct{})
		close(done)
		s.states[def.Name] = &stepState{
			def:    def,
			parser: parser,
			status: StatusIdle,
			log:    newRingLog(),
			done:   done,
		}
		s.order = append(s.order, def.Name)
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// Steps returns the step names in catalog order.
func (s *Supervisor) Steps() []string {
	return append([]string(nil), s.order...)
}

// Launch starts the step in the background and returns once the launch has
// been accepted. ctx is only used for logging; the run is bound to the
// supervisor lifetime and ends by Cancel or Close.
func (s *Supervisor) Launch(ctx context.Context, name string, opts LaunchOptions) error {
	st, ok := s.states[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	ctx = log.Step(ctx, name)

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrClosed
	}
	if st.status.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrStepActive, name, st.status)
	}

	vars := maps.Clone(s.vars)
	if vars == nil {
		vars = make(map[string]string, len(opts.Vars))
	}
	maps.Copy(vars, opts.Vars)

	st.log.Reset()
	st.progress = progress.Progress{}
	st.exitCode = nil
	st.started = time.Time{}
	st.ended = time.Time{}
	st.auto = opts.Auto

	argv, err := Resolve(st.def.Command, vars)
	if err != nil {
		st.status = StatusFailed
		st.ended = time.Now().UTC()
		st.log.Add("cannot launch: " + err.Error())
		slog.ErrorContext(ctx, "launch rejected", "error", err)
		s.metrics.StepStarted()
		s.metrics.StepFinished(name, string(StatusFailed), 0)
		return err
	}

	runCtx, cancel := context.WithCancel(log.ContextAttrs(s.ctx, slog.String("step", name)))
	st.status = StatusInitiated
	st.cancel = cancel
	st.done = make(chan struct{})
	done := st.done
	s.metrics.StepStarted()
	slog.InfoContext(ctx, "step initiated", "auto", opts.Auto, "accelerator", st.def.Accelerator)

	s.wg.Go(func() {
		s.monitor(runCtx, st, argv, done)
	})
	return nil
}

// monitor owns one launch from accelerator acquisition to the terminal
// status.
func (s *Supervisor) monitor(ctx context.Context, st *stepState, argv []string, done chan struct{}) {
	name := st.def.Name
	var lease *arbiter.Lease
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "step monitor panicked", "panic", r)
			lease.Release()
			s.finish(ctx, st, done, StatusFailed, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	lease, err := s.arbiter.Acquire(ctx, arbiter.Request{
		Step:     name,
		Bound:    st.def.Accelerator,
		Blocking: true,
		OnWait: func() {
			s.setStatus(st, done, StatusPendingAccelerator)
		},
	})
	if err != nil {
		status := StatusFailed
		if ctx.Err() != nil {
			status = StatusCanceled
		}
		s.finish(ctx, st, done, status, nil, "accelerator: "+err.Error())
		return
	}
	defer lease.Release()

	env := os.Environ()
	for k, v := range st.def.Env {
		env = append(env, k+"="+v)
	}

	runner := NewRunner()
	err = runner.Start(ctx, Command{
		Path:        argv[0],
		Args:        argv[1:],
		Env:         env,
		Dir:         st.def.Dir,
		Timeout:     st.def.TimeoutDuration(),
		GracePeriod: s.grace,
	}, func(_ context.Context, line string) {
		s.onLine(st, done, line)
	})
	if err != nil {
		lease.Release()
		status := StatusFailed
		if ctx.Err() != nil {
			status = StatusCanceled
		}
		s.finish(ctx, st, done, status, nil, "cannot start process: "+err.Error())
		return
	}
	s.setRunning(st, done, runner.Result().Started)
	slog.InfoContext(ctx, "step running", "path", argv[0])

	<-runner.Done()
	res := runner.Result()
	lease.Release()

	code := res.ExitCode()
	var status Status
	var msg string
	switch {
	case res.Canceled:
		status = StatusCanceled
		msg = "canceled"
	case res.TimedOut:
		status = StatusFailed
		msg = "timed out after " + model.FormatDuration(st.def.TimeoutDuration())
	case res.Err == nil && code == 0:
		status = StatusCompleted
	default:
		status = StatusFailed
		msg = fmt.Sprintf("exited with code %d", code)
		if res.Err != nil && res.State == nil {
			msg = "process error: " + res.Err.Error()
		}
	}
	var exitCode *int
	if res.State != nil {
		exitCode = &code
	}
	s.finish(ctx, st, done, status, exitCode, msg)
}

// the done channel identifies the launch a callback belongs to

func (s *Supervisor) setStatus(st *stepState, done chan struct{}, status Status) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if st.done != done || !st.status.IsActive() {
		return
	}
	st.status = status
}

func (s *Supervisor) setRunning(st *stepState, done chan struct{}, started time.Time) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if st.done != done {
		return
	}
	st.status = StatusRunning
	st.started = started
}

func (s *Supervisor) onLine(st *stepState, done chan struct{}, line string) {
	s.mx.Lock()
	if st.done != done {
		s.mx.Unlock()
		return
	}
	st.log.Add(line)
	st.parser.Apply(line, &st.progress)
	s.mx.Unlock()
	if s.lineHook != nil {
		s.lineHook(st.def.Name, line)
	}
}

func (s *Supervisor) finish(ctx context.Context, st *stepState, done chan struct{}, status Status, exitCode *int, msg string) {
	s.mx.Lock()
	if st.done != done || !st.status.IsActive() {
		s.mx.Unlock()
		return
	}
	now := time.Now().UTC()
	if msg != "" {
		st.log.Add(msg)
	}
	st.status = status
	st.ended = now
	st.exitCode = exitCode
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	rec := RunRecord{
		Step:     st.def.Name,
		Status:   status,
		Auto:     st.auto,
		ExitCode: exitCode,
		Started:  st.started,
		Ended:    now,
		Message:  msg,
	}
	s.mx.Unlock()

	var ran time.Duration
	if !rec.Started.IsZero() {
		ran = rec.Ended.Sub(rec.Started)
	}
	s.metrics.StepFinished(rec.Step, string(status), ran)
	if status == StatusCompleted {
		slog.InfoContext(ctx, "step finished", "status", status, "duration", model.FormatDuration(ran))
	} else {
		slog.WarnContext(ctx, "step finished", "status", status, "message", msg)
	}
	if s.recorder != nil {
		// the run context is already canceled
		if err := s.recorder.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
			slog.ErrorContext(ctx, "saving run record", "error", err)
		}
	}
	close(done)
}

// Cancel stops an active step and waits until its run settles.
// The step to cancel is resolved in this order: currentActive if active,
// name if active, the first active step in catalog order. It returns the
// step actually canceled or ErrNoActiveStep.
func (s *Supervisor) Cancel(ctx context.Context, name, currentActive string) (string, error) {
	s.mx.RLock()
	if name != "" {
		if _, ok := s.states[name]; !ok {
			s.mx.RUnlock()
			return "", fmt.Errorf("%w: %s", ErrUnknownStep, name)
		}
	}
	target := ""
	for _, candidate := range append([]string{currentActive, name}, s.order...) {
		if st, ok := s.states[candidate]; ok && st.status.IsActive() {
			target = candidate
			break
		}
	}
	s.mx.RUnlock()
	if target == "" {
		return "", ErrNoActiveStep
	}
	if target != name {
		slog.InfoContext(ctx, "cancel redirected", "requested", name, "canceled", target)
	}
	return target, s.Stop(ctx, target)
}

// Stop cancels exactly the step name and waits until its run settles,
// bounded by the grace period and a margin.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mx.RLock()
	st, ok := s.states[name]
	if !ok {
		s.mx.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	if !st.status.IsActive() {
		s.mx.RUnlock()
		return ErrNoActiveStep
	}
	cancel, done := st.cancel, st.done
	s.mx.RUnlock()

	if cancel != nil {
		cancel()
	}

	timer := time.NewTimer(s.grace + settleMargin)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.WarnContext(ctx, "step did not settle after cancel", "step", name)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Done returns the channel closed when the current launch of name ends.
// For a step which has never been launched the channel is already closed.
func (s *Supervisor) Done(name string) (<-chan struct{}, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return st.done, nil
}

// Status returns the current status of name.
func (s *Supervisor) Status(name string) (Status, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return st.status, nil
}

func (s *Supervisor) Step(name string) (StepSummary, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return StepSummary{}, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return st.summary(time.Now().UTC()), nil
}

func (s *Supervisor) Summary() map[string]StepSummary {
	s.mx.RLock()
	defer s.mx.RUnlock()
	now := time.Now().UTC()
	ret := make(map[string]StepSummary, len(s.states))
	for name, st := range s.states {
		ret[name] = st.summary(now)
	}
	return ret
}

// Pending returns the steps waiting for the accelerator in catalog order.
func (s *Supervisor) Pending() []string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	var ret []string
	for _, name := range s.order {
		if s.states[name].status == StatusPendingAccelerator {
			ret = append(ret, name)
		}
	}
	return ret
}

// Close cancels all runs and waits for their monitors.
func (s *Supervisor) Close() {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.stop()
	s.wg.Wait()
}

func (st *stepState) summary(now time.Time) StepSummary {
	var d time.Duration
	switch {
	case st.started.IsZero():
	case st.ended.IsZero():
		d = now.Sub(st.started)
	default:
		d = st.ended.Sub(st.started)
	}
	var exitCode *int
	if st.exitCode != nil {
		code := *st.exitCode
		exitCode = &code
	}
	return StepSummary{
		Name:         st.def.Name,
		DisplayName:  st.def.DisplayName,
		Accelerator:  st.def.Accelerator,
		Status:       st.status,
		Auto:         st.auto,
		Progress:     st.progress,
		Log:          st.log.Lines(),
		Started:      st.started,
		Ended:        st.ended,
		Duration:     d,
		DurationText: model.FormatDuration(d),
		ExitCode:     exitCode,
	}
}
