// Package sequence runs ordered lists of steps as one all-or-nothing run.
//
// Only one sequence runs at a time. A step which fails or gets canceled
// aborts the rest of the sequence, the outcome names that step.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videoflow/conductor/internal/metrics"
	"github.com/videoflow/conductor/internal/service"
)

var (
	ErrAlreadyRunning = errors.New("sequence already running")
	ErrEmptySequence  = errors.New("sequence has no steps")
)

// DefaultPollInterval bounds the wait for a step status when its Done
// channel is missed.
const DefaultPollInterval = 500 * time.Millisecond

type Kind string

const (
	KindManual    Kind = "manual"
	KindAutomatic Kind = "automatic"
)

type Status string

const (
	StatusNeverRun Status = "never_run"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Outcome is the result of one sequence run.
type Outcome struct {
	ID        string    `json:"id,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Step      string    `json:"step,omitempty"`
	Steps     []string  `json:"steps,omitempty"`
	Started   time.Time `json:"started,omitzero"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Supervisor is the part of service.Supervisor a sequence needs.
type Supervisor interface {
	Launch(ctx context.Context, name string, opts service.LaunchOptions) error
	Done(name string) (<-chan struct{}, error)
	Status(name string) (service.Status, error)
	Cancel(ctx context.Context, name, currentActive string) (string, error)
}

// OutcomeRecorder persists outcomes.
type OutcomeRecorder interface {
	SaveOutcome(ctx context.Context, out Outcome) error
}

type Config struct {
	Supervisor   Supervisor
	Recorder     OutcomeRecorder
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	// Last seeds LastOutcome, typically with the latest stored outcome.
	Last *Outcome
}

type Runner struct {
	sup      Supervisor
	recorder OutcomeRecorder
	metrics  *metrics.Metrics
	poll     time.Duration

	runMx sync.Mutex // held for a whole run

	mx            sync.RWMutex
	running       bool
	kind          Kind
	steps         []string
	current       string
	stopRequested bool
	stop          chan struct{}
	last          Outcome
}

func NewRunner(cfg Config) *Runner {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	last := Outcome{Status: StatusNeverRun}
	if cfg.Last != nil {
		last = *cfg.Last
	}
	return &Runner{
		sup:      cfg.Supervisor,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		poll:     poll,
		last:     last,
	}
}

// Run executes steps in order and blocks until the sequence ends. It
// returns ErrAlreadyRunning without side effects when another sequence
// is running. Cancelling ctx ends the run as failed.
func (r *Runner) Run(ctx context.Context, steps []string, kind Kind) (out Outcome, err error) {
	if len(steps) == 0 {
		return Outcome{}, ErrEmptySequence
	}
	if !r.runMx.TryLock() {
		return Outcome{}, ErrAlreadyRunning
	}
	defer r.runMx.Unlock()

	steps = append([]string(nil), steps...)
	r.mx.Lock()
	r.running = true
	r.kind = kind
	r.steps = steps
	r.current = ""
	r.stopRequested = false
	r.stop = make(chan struct{})
	stop := r.stop
	r.mx.Unlock()

	out = Outcome{
		ID:      uuid.NewString(),
		Kind:    kind,
		Steps:   steps,
		Started: time.Now().UTC(),
	}
	slog.InfoContext(ctx, "sequence started", "kind", kind, "steps", strings.Join(steps, ","))

	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "sequence panicked", "panic", rec)
			out.Status = StatusFailed
			out.Message = fmt.Sprintf("unexpected error: %v", rec)
			err = nil
		}
		out.Timestamp = time.Now().UTC()
		r.finish(ctx, out)
	}()

	out.Status, out.Step, out.Message = r.run(ctx, steps, kind, stop)
	return out, nil
}

func (r *Runner) run(ctx context.Context, steps []string, kind Kind, stop <-chan struct{}) (Status, string, string) {
	for _, step := range steps {
		if r.isStopRequested() {
			return StatusCanceled, step, "stopped before step " + step
		}
		r.setCurrent(step)

		err := r.sup.Launch(ctx, step, service.LaunchOptions{Auto: kind == KindAutomatic})
		if err != nil {
			return StatusFailed, step, fmt.Sprintf("launching step %s: %v", step, err)
		}

		status, err := r.waitStep(ctx, step, stop)
		switch {
		case errors.Is(err, errStopped):
			return StatusCanceled, step, "stopped at step " + step
		case err != nil:
			return StatusFailed, step, fmt.Sprintf("shutdown while waiting for step %s: %v", step, err)
		case status == service.StatusCompleted:
			continue
		case status == service.StatusCanceled:
			return StatusCanceled, step, "step " + step + " canceled"
		default:
			return StatusFailed, step, "step " + step + " failed"
		}
	}
	return StatusSuccess, "", "all steps completed"
}

var errStopped = errors.New("stop requested")

func (r *Runner) waitStep(ctx context.Context, step string, stop <-chan struct{}) (service.Status, error) {
	done, err := r.sup.Done(step)
	if err != nil {
		return "", err
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-done:
		case <-ticker.C:
		case <-stop:
			if _, err := r.sup.Cancel(context.WithoutCancel(ctx), step, step); err != nil && !errors.Is(err, service.ErrNoActiveStep) {
				slog.WarnContext(ctx, "canceling step on stop", "step", step, "error", err)
			}
			return "", errStopped
		case <-ctx.Done():
			return "", ctx.Err()
		}
		status, err := r.sup.Status(step)
		if err != nil {
			return "", err
		}
		if status.IsTerminal() {
			return status, nil
		}
		// the step has been relaunched, follow the new launch
		if done, err = r.sup.Done(step); err != nil {
			return "", err
		}
	}
}

func (r *Runner) finish(ctx context.Context, out Outcome) {
	r.mx.Lock()
	r.running = false
	r.kind = ""
	r.steps = nil
	r.current = ""
	r.stopRequested = false
	r.last = out
	r.mx.Unlock()

	r.metrics.SequenceOutcome(string(out.Kind), string(out.Status))
	if out.Status == StatusSuccess {
		slog.InfoContext(ctx, "sequence finished", "kind", out.Kind, "status", out.Status)
	} else {
		slog.WarnContext(ctx, "sequence finished", "kind", out.Kind, "status", out.Status, "step", out.Step, "message", out.Message)
	}
	if r.recorder != nil {
		if err := r.recorder.SaveOutcome(context.WithoutCancel(ctx), out); err != nil {
			slog.ErrorContext(ctx, "saving sequence outcome", "error", err)
		}
	}
}

func (r *Runner) setCurrent(step string) {
	r.mx.Lock()
	r.current = step
	r.mx.Unlock()
}

func (r *Runner) isStopRequested() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.stopRequested
}

// RequestStop asks the running sequence to stop. The current step is
// canceled. It reports whether a sequence was running.
func (r *Runner) RequestStop() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if !r.running {
		return false
	}
	if !r.stopRequested {
		r.stopRequested = true
		close(r.stop)
	}
	return true
}

func (r *Runner) IsRunning() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.running
}

// CurrentStep returns the step the running sequence is at.
func (r *Runner) CurrentStep() (string, Kind) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.current, r.kind
}

// CurrentAutomaticStep returns the current step of an automatic sequence
// or an empty string.
func (r *Runner) CurrentAutomaticStep() string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.kind != KindAutomatic {
		return ""
	}
	return r.current
}

func (r *Runner) LastOutcome() Outcome {
	r.mx.RLock()
	defer r.mx.RUnlock()
	out := r.last
	out.Steps = append([]string(nil), r.last.Steps...)
	return out
}

// CancelStep cancels a step on behalf of an operator. The current step of
// the running sequence takes precedence; when the canceled step belongs to
// the running sequence the sequence is stopped as well.
func (r *Runner) CancelStep(ctx context.Context, step string) (string, error) {
	current, _ := r.CurrentStep()
	canceled, err := r.sup.Cancel(ctx, step, current)
	if err != nil {
		return "", err
	}

	r.mx.RLock()
	member := r.running && slices.Contains(r.steps, canceled)
	r.mx.RUnlock()
	if member {
		slog.InfoContext(ctx, "stopping sequence after step cancel", "step", canceled)
		r.RequestStop()
	}
	return canceled, nil
}
