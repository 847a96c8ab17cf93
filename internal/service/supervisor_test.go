package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/videoflow/conductor/internal/arbiter"
	"github.com/videoflow/conductor/internal/model"
	"github.com/videoflow/conductor/internal/progress"
	"github.com/videoflow/conductor/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mx   sync.Mutex
	recs []service.RunRecord
}

func (r *recorder) SaveRun(_ context.Context, rec service.RunRecord) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) get() []service.RunRecord {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]service.RunRecord(nil), r.recs...)
}

func shStep(name, script string) model.Step {
	return model.Step{Name: name, Command: []string{"sh", "-c", script}}
}

func newSupervisor(t *testing.T, vars map[string]string, steps ...model.Step) (*service.Supervisor, *arbiter.Arbiter, *recorder) {
	t.Helper()
	lookSh(t)
	arb := arbiter.New(arbiter.Config{
		MaxWait:      time.Minute,
		PollInterval: 10 * time.Millisecond,
	})
	rec := &recorder{}
	sup, err := service.NewSupervisor(service.Config{
		Steps:       steps,
		Vars:        vars,
		Arbiter:     arb,
		Recorder:    rec,
		GracePeriod: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		arb.Shutdown()
		sup.Close()
	})
	return sup, arb, rec
}

func launchAndWait(t *testing.T, sup *service.Supervisor, name string, opts service.LaunchOptions) service.StepSummary {
	t.Helper()
	require.NoError(t, sup.Launch(t.Context(), name, opts))
	done, err := sup.Done(name)
	require.NoError(t, err)
	waitDone(t, done, 10*time.Second)
	summary, err := sup.Step(name)
	require.NoError(t, err)
	return summary
}

func waitStatus(t *testing.T, sup *service.Supervisor, name string, status service.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := sup.Status(name)
		return err == nil && s == status
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s to become %s", name, status)
}

func TestLaunch_Completed(t *testing.T) {
	t.Parallel()
	step := shStep("scene_cut", `echo "Total: 10"; echo "Current: 3 - foo"; echo "Success: bar"`)
	step.DisplayName = "Scene detection"
	step.Progress = []model.ProgressRule{
		{Kind: model.RuleKindSet, Pattern: `Total: (\d+)`, Fields: []string{model.FieldTotal}},
		{Kind: model.RuleKindSet, Pattern: `Current: (\d+) - (.*)`, Fields: []string{model.FieldCurrent, model.FieldLabel}},
		{Kind: model.RuleKindCount, Pattern: `Success: (.*)`, Fields: []string{model.FieldLabel}},
	}
	sup, _, rec := newSupervisor(t, nil, step)

	summary, err := sup.Step("scene_cut")
	require.NoError(t, err)
	require.Equal(t, service.StatusIdle, summary.Status)

	summary = launchAndWait(t, sup, "scene_cut", service.LaunchOptions{Auto: true})
	require.Equal(t, service.StatusCompleted, summary.Status)
	require.Equal(t, "Scene detection", summary.DisplayName)
	require.True(t, summary.Auto)
	require.Equal(t, progress.Progress{Current: 4, Total: 10, Label: "bar"}, summary.Progress)
	require.Equal(t, []string{"Total: 10", "Current: 3 - foo", "Success: bar"}, summary.Log)
	require.NotNil(t, summary.ExitCode)
	require.Zero(t, *summary.ExitCode)
	require.NotZero(t, summary.Started)
	require.False(t, summary.Ended.Before(summary.Started))

	recs := rec.get()
	require.Len(t, recs, 1)
	require.Equal(t, service.StatusCompleted, recs[0].Status)
	require.True(t, recs[0].Auto)
}

func TestLaunch_Failed(t *testing.T) {
	t.Parallel()
	sup, _, _ := newSupervisor(t, nil,
		shStep("fails", "echo boom; exit 2"),
		model.Step{Name: "missing", Command: []string{"/does/not/exist"}},
	)

	summary := launchAndWait(t, sup, "fails", service.LaunchOptions{})
	require.Equal(t, service.StatusFailed, summary.Status)
	require.Equal(t, 2, *summary.ExitCode)
	require.Equal(t, []string{"boom", "exited with code 2"}, summary.Log)

	summary = launchAndWait(t, sup, "missing", service.LaunchOptions{})
	require.Equal(t, service.StatusFailed, summary.Status)
	require.Nil(t, summary.ExitCode)
	require.Len(t, summary.Log, 1)
	require.Contains(t, summary.Log[0], "cannot start process")
}

func TestLaunch_Errors(t *testing.T) {
	t.Parallel()
	sup, _, rec := newSupervisor(t, map[string]string{"input_file": ""},
		shStep("echo", "echo {input_file}"),
	)

	err := sup.Launch(t.Context(), "nope", service.LaunchOptions{})
	require.ErrorIs(t, err, service.ErrUnknownStep)

	err = sup.Launch(t.Context(), "echo", service.LaunchOptions{})
	require.ErrorIs(t, err, service.ErrUnresolvedCommand)
	summary, err := sup.Step("echo")
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, summary.Status)
	require.Len(t, summary.Log, 1)
	require.Contains(t, summary.Log[0], "missing input_file")
	require.Empty(t, rec.get())

	summary = launchAndWait(t, sup, "echo", service.LaunchOptions{Vars: map[string]string{"input_file": "a.mp4"}})
	require.Equal(t, service.StatusCompleted, summary.Status)
	require.Equal(t, []string{"a.mp4"}, summary.Log)
}

func TestLaunch_Active(t *testing.T) {
	t.Parallel()
	sup, _, _ := newSupervisor(t, nil, shStep("sleep", "exec sleep 5"))

	require.NoError(t, sup.Launch(t.Context(), "sleep", service.LaunchOptions{}))
	err := sup.Launch(t.Context(), "sleep", service.LaunchOptions{})
	require.ErrorIs(t, err, service.ErrStepActive)

	got, err := sup.Cancel(t.Context(), "sleep", "")
	require.NoError(t, err)
	require.Equal(t, "sleep", got)
}

func TestLaunch_ResetsState(t *testing.T) {
	t.Parallel()
	step := shStep("word", "echo {word}; echo 'Total: {count}'")
	step.Progress = []model.ProgressRule{{Pattern: `Total: (\d+)`, Fields: []string{model.FieldTotal}}}
	sup, _, _ := newSupervisor(t, nil, step)

	summary := launchAndWait(t, sup, "word", service.LaunchOptions{Vars: map[string]string{"word": "one", "count": "7"}})
	require.Equal(t, []string{"one", "Total: 7"}, summary.Log)
	require.Equal(t, 7, summary.Progress.Total)

	summary = launchAndWait(t, sup, "word", service.LaunchOptions{Vars: map[string]string{"word": "two", "count": "x"}})
	require.Equal(t, service.StatusCompleted, summary.Status)
	require.Equal(t, []string{"two", "Total: x"}, summary.Log)
	require.Zero(t, summary.Progress.Total)
}

func TestLaunch_Timeout(t *testing.T) {
	t.Parallel()
	step := shStep("slow", "exec sleep 5")
	step.Timeout = "200ms"
	sup, _, _ := newSupervisor(t, nil, step)

	summary := launchAndWait(t, sup, "slow", service.LaunchOptions{})
	require.Equal(t, service.StatusFailed, summary.Status)
	require.NotEmpty(t, summary.Log)
	require.True(t, strings.HasPrefix(summary.Log[len(summary.Log)-1], "timed out"))
}

func TestLaunch_LogIsBounded(t *testing.T) {
	t.Parallel()
	sup, _, _ := newSupervisor(t, nil,
		shStep("chatty", `i=1; while [ $i -le 350 ]; do echo $i; i=$((i+1)); done`),
	)

	summary := launchAndWait(t, sup, "chatty", service.LaunchOptions{})
	require.Equal(t, service.StatusCompleted, summary.Status)
	require.Len(t, summary.Log, service.LogLines)
	require.Equal(t, "51", summary.Log[0])
	require.Equal(t, "350", summary.Log[service.LogLines-1])
}

func TestCancel(t *testing.T) {
	t.Parallel()
	sup, _, rec := newSupervisor(t, nil,
		shStep("a", "exec sleep 5"),
		shStep("b", "exec sleep 5"),
	)

	_, err := sup.Cancel(t.Context(), "nope", "")
	require.ErrorIs(t, err, service.ErrUnknownStep)
	_, err = sup.Cancel(t.Context(), "a", "")
	require.ErrorIs(t, err, service.ErrNoActiveStep)

	require.NoError(t, sup.Launch(t.Context(), "a", service.LaunchOptions{}))
	require.NoError(t, sup.Launch(t.Context(), "b", service.LaunchOptions{}))
	waitStatus(t, sup, "a", service.StatusRunning)
	waitStatus(t, sup, "b", service.StatusRunning)

	// the current step of a sequence wins over the requested one
	got, err := sup.Cancel(t.Context(), "b", "a")
	require.NoError(t, err)
	require.Equal(t, "a", got)
	status, _ := sup.Status("a")
	require.Equal(t, service.StatusCanceled, status)

	// a is no longer active, any active step is canceled
	got, err = sup.Cancel(t.Context(), "a", "")
	require.NoError(t, err)
	require.Equal(t, "b", got)

	_, err = sup.Cancel(t.Context(), "b", "")
	require.ErrorIs(t, err, service.ErrNoActiveStep)

	recs := rec.get()
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.Equal(t, service.StatusCanceled, r.Status)
	}
}

func TestLaunch_Accelerator(t *testing.T) {
	t.Parallel()
	g1 := shStep("g1", "exec sleep 5")
	g1.Accelerator = true
	g2 := shStep("g2", "echo second")
	g2.Accelerator = true
	sup, arb, _ := newSupervisor(t, nil, g1, g2, shStep("cpu", "echo cpu"))

	require.NoError(t, sup.Launch(t.Context(), "g1", service.LaunchOptions{}))
	waitStatus(t, sup, "g1", service.StatusRunning)
	holder, _ := arb.Peek()
	require.Equal(t, "g1", holder)

	require.NoError(t, sup.Launch(t.Context(), "g2", service.LaunchOptions{}))
	waitStatus(t, sup, "g2", service.StatusPendingAccelerator)
	require.Equal(t, []string{"g2"}, sup.Pending())
	require.Equal(t, []string{"g2"}, arb.WaitingSteps())

	// not bound steps run while the accelerator is held
	summary := launchAndWait(t, sup, "cpu", service.LaunchOptions{})
	require.Equal(t, service.StatusCompleted, summary.Status)

	_, err := sup.Cancel(t.Context(), "g1", "")
	require.NoError(t, err)

	done, err := sup.Done("g2")
	require.NoError(t, err)
	waitDone(t, done, 5*time.Second)
	summary, err = sup.Step("g2")
	require.NoError(t, err)
	require.Equal(t, service.StatusCompleted, summary.Status)
	require.Empty(t, sup.Pending())

	require.Eventually(t, func() bool {
		_, held := arb.Peek()
		return !held
	}, time.Second, 10*time.Millisecond)
}

func TestCancel_PendingAccelerator(t *testing.T) {
	t.Parallel()
	g1 := shStep("g1", "exec sleep 5")
	g1.Accelerator = true
	g2 := shStep("g2", "echo never")
	g2.Accelerator = true
	sup, arb, _ := newSupervisor(t, nil, g1, g2)

	require.NoError(t, sup.Launch(t.Context(), "g1", service.LaunchOptions{}))
	waitStatus(t, sup, "g1", service.StatusRunning)
	require.NoError(t, sup.Launch(t.Context(), "g2", service.LaunchOptions{}))
	waitStatus(t, sup, "g2", service.StatusPendingAccelerator)

	got, err := sup.Cancel(t.Context(), "g2", "")
	require.NoError(t, err)
	require.Equal(t, "g2", got)
	status, _ := sup.Status("g2")
	require.Equal(t, service.StatusCanceled, status)
	require.Empty(t, arb.WaitingSteps())

	holder, _ := arb.Peek()
	require.Equal(t, "g1", holder)
}

func TestClose(t *testing.T) {
	t.Parallel()
	sup, _, _ := newSupervisor(t, nil, shStep("sleep", "exec sleep 5"))
	require.NoError(t, sup.Launch(t.Context(), "sleep", service.LaunchOptions{}))
	waitStatus(t, sup, "sleep", service.StatusRunning)

	sup.Close()
	status, _ := sup.Status("sleep")
	require.Equal(t, service.StatusCanceled, status)

	err := sup.Launch(t.Context(), "sleep", service.LaunchOptions{})
	require.ErrorIs(t, err, service.ErrClosed)
}

func TestLaunch_OnLine(t *testing.T) {
	lookSh(t)
	arb := arbiter.New(arbiter.Config{PollInterval: 10 * time.Millisecond})
	var (
		mx    sync.Mutex
		lines []string
	)
	sup, err := service.NewSupervisor(service.Config{
		Steps:   []model.Step{shStep("echo", "echo one; echo two >&2")},
		Arbiter: arb,
		OnLine: func(step, line string) {
			mx.Lock()
			defer mx.Unlock()
			lines = append(lines, step+": "+line)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		arb.Shutdown()
		sup.Close()
	})

	summary := launchAndWait(t, sup, "echo", service.LaunchOptions{})
	require.Equal(t, service.StatusCompleted, summary.Status)

	mx.Lock()
	defer mx.Unlock()
	require.ElementsMatch(t, []string{"echo: one", "echo: two"}, lines)
}
