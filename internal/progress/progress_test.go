package progress_test

import (
	"testing"

	"github.com/videoflow/conductor/internal/model"
	"github.com/videoflow/conductor/internal/progress"

	"github.com/stretchr/testify/require"
)

func rules() []model.ProgressRule {
	return []model.ProgressRule{
		{Kind: model.RuleKindSet, Pattern: `Total: (\d+)`, Fields: []string{model.FieldTotal}},
		{Kind: model.RuleKindSet, Pattern: `Current: (\d+) - (.*)`, Fields: []string{model.FieldCurrent, model.FieldLabel}},
		{Kind: model.RuleKindCount, Pattern: `Success: (.*)`, Fields: []string{model.FieldLabel}},
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	parser, err := progress.Compile(rules())
	require.NoError(t, err)

	var p progress.Progress
	require.True(t, parser.Apply("Total: 10", &p))
	require.Equal(t, progress.Progress{Total: 10}, p)

	require.True(t, parser.Apply("Current: 3 - foo", &p))
	require.Equal(t, progress.Progress{Current: 3, Total: 10, Label: "foo"}, p)

	require.True(t, parser.Apply("Success: bar", &p))
	require.Equal(t, progress.Progress{Current: 4, Total: 10, Label: "bar"}, p)

	require.False(t, parser.Apply("loading model weights", &p))
	require.Equal(t, 40.0, p.Percent())
}

func TestApply_NonNumeric(t *testing.T) {
	t.Parallel()
	parser, err := progress.Compile([]model.ProgressRule{
		{Pattern: `Total: (\w+)`, Fields: []string{model.FieldTotal}},
	})
	require.NoError(t, err)

	p := progress.Progress{Total: 7}
	require.False(t, parser.Apply("Total: many", &p))
	require.Equal(t, 7, p.Total)
}

func TestApply_NilParser(t *testing.T) {
	t.Parallel()
	var parser *progress.Parser
	var p progress.Progress
	require.False(t, parser.Apply("Total: 1", &p))
}

func TestCompile_Fail(t *testing.T) {
	t.Parallel()
	_, err := progress.Compile([]model.ProgressRule{{Pattern: `(`}})
	require.Error(t, err)

	_, err = progress.Compile([]model.ProgressRule{
		{Pattern: `Total: \d+`, Fields: []string{model.FieldTotal}},
	})
	require.ErrorContains(t, err, "0 groups")
}

func TestPercent(t *testing.T) {
	t.Parallel()
	require.Zero(t, progress.Progress{Current: 3}.Percent())
	require.Equal(t, 100.0, progress.Progress{Current: 12, Total: 10}.Percent())
}
