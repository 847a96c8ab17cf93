package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod is the time between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

var (
	ErrRunNotStarted = errors.New("process not started")
	ErrRunInProgress = errors.New("process in progress")
	ErrRunTimeout    = errors.New("process timed out")
	ErrRunStopped    = errors.New("process stopped")
)

// LineFunc receives every line the process writes to stdout or stderr.
type LineFunc func(ctx context.Context, line string)

// Runner runs a single process at a time with merged stdout and stderr
// delivered line by line.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	cancel context.CancelCauseFunc
	result Result
	done   chan struct{}
}

func NewRunner() *Runner {
	done := make(chan struct{})
	close(done)
	return &Runner{
		result: Result{Err: ErrRunNotStarted},
		done:   done,
	}
}

type Command struct {
	Path        string
	Args        []string
	Env         []string
	Dir         string
	Timeout     time.Duration
	GracePeriod time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Err      error
	Canceled bool // stopped by Stop or by the parent context
	TimedOut bool
}

// ExitCode returns the exit code or -1 when the process did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the process and returns without waiting for it. It returns
// ErrRunInProgress or an exec error, otherwise nil. Use Done to wait.
// Cancelling ctx, Stop or Timeout send SIGTERM and SIGKILL after the grace
// period.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrRunInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	ctx, cancel := context.WithCancelCause(ctx)
	runCtx := ctx
	stopTimeout := func() {}
	if proto.Timeout > 0 {
		runCtx, stopTimeout = context.WithTimeoutCause(ctx, proto.Timeout, ErrRunTimeout)
	}
	grace := proto.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		_ = pw.Close()
		stopTimeout()
		cancel(err)
		return err
	}

	r.cmd = cmd
	r.cancel = cancel
	r.done = make(chan struct{})
	readDone := make(chan struct{})
	go r.read(ctx, pr, lineFunc, readDone)
	go r.wait(runCtx, cmd, pw, readDone, stopTimeout)
	return nil
}

func (r *Runner) read(ctx context.Context, pr *io.PipeReader, lineFunc LineFunc, readDone chan<- struct{}) {
	defer close(readDone)
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if lineFunc != nil {
			lineFunc(ctx, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "reading process output", "error", err)
		// keep the process writable until it exits
		_, _ = io.Copy(io.Discard, pr)
	}
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, pw *io.PipeWriter, readDone <-chan struct{}, stopTimeout context.CancelFunc) {
	err := cmd.Wait()
	_ = pw.Close()
	<-readDone
	stopped := time.Now().UTC()

	var canceled, timedOut bool
	if err != nil && ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), ErrRunTimeout) {
			timedOut = true
		} else {
			canceled = true
		}
	}
	stopTimeout()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.result.Canceled = canceled
	r.result.TimedOut = timedOut
	r.cancel(ErrRunStopped)
	r.cmd = nil
	r.cancel = nil
	close(r.done)
}

// Stop asks a running process to terminate. It does not wait, use Done.
func (r *Runner) Stop() {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cancel != nil {
		r.cancel(ErrRunStopped)
	}
}

// Done returns a channel closed once the current process has been reaped
// and all its output delivered.
func (r *Runner) Done() <-chan struct{} {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.done
}

// Result returns the last process result or a result with ErrRunNotStarted
// if nothing has been executed yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
