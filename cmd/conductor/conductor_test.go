package main

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/videoflow/conductor/internal/model"
	"github.com/videoflow/conductor/internal/sequence"
)

func TestConductor_Sequence(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	ctx := t.Context()
	cfg := model.Config{
		Service: model.Service{
			Database: filepath.Join(t.TempDir(), "history.db"),
		},
		Accelerator: model.Accelerator{PollInterval: "10ms"},
		Vars:        map[string]string{"name": "default"},
		Steps: []model.Step{
			{Name: "cut", Command: []string{"sh", "-c", "echo cut {name}"}},
			{Name: "track", Command: []string{"sh", "-c", "echo track"}, Accelerator: true},
		},
		Sequences: map[string][]string{"all": {"cut", "track"}},
	}
	require.NoError(t, cfg.Validate())

	c, err := NewConductor(ctx, cfg, options{vars: map[string]string{"name": "override"}})
	require.NoError(t, err)

	out, err := c.sequences.Run(ctx, []string{"cut", "track"}, sequence.KindManual)
	require.NoError(t, err)
	require.Equal(t, sequence.StatusSuccess, out.Status)

	summary, err := c.supervisor.Step("cut")
	require.NoError(t, err)
	require.Contains(t, summary.Log, "cut override")

	runs, err := c.store.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	c.Close()

	// a new instance starts from the stored outcome
	c, err = NewConductor(ctx, cfg, options{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	last := c.sequences.LastOutcome()
	require.Equal(t, out.ID, last.ID)
	require.Equal(t, sequence.StatusSuccess, last.Status)
}
