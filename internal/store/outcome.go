package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/videoflow/conductor/internal/sequence"
)

type outcomeRow struct {
	ID       string `db:"id"`
	Kind     string `db:"kind"`
	Status   string `db:"status"`
	Message  string `db:"message"`
	Step     string `db:"step"`
	Steps    string `db:"steps"`
	Started  string `db:"started"`
	Finished string `db:"finished"`
}

func (r outcomeRow) outcome() (sequence.Outcome, error) {
	started, err := parseTime(r.Started)
	if err != nil {
		return sequence.Outcome{}, fmt.Errorf("outcome %s: started: %w", r.ID, err)
	}
	finished, err := parseTime(r.Finished)
	if err != nil {
		return sequence.Outcome{}, fmt.Errorf("outcome %s: finished: %w", r.ID, err)
	}
	var steps []string
	if r.Steps != "" {
		steps = strings.Split(r.Steps, ",")
	}
	return sequence.Outcome{
		ID:        r.ID,
		Kind:      sequence.Kind(r.Kind),
		Status:    sequence.Status(r.Status),
		Message:   r.Message,
		Step:      r.Step,
		Steps:     steps,
		Started:   started,
		Timestamp: finished,
	}, nil
}

// SaveOutcome implements sequence.OutcomeRecorder.
func (s *Store) SaveOutcome(ctx context.Context, out sequence.Outcome) error {
	query := `insert into outcomes (
		id,
		kind,
		status,
		message,
		step,
		steps,
		started,
		finished
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(
		ctx, query,
		out.ID,
		out.Kind,
		out.Status,
		out.Message,
		out.Step,
		strings.Join(out.Steps, ","),
		formatTime(out.Started),
		formatTime(out.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("saving outcome %s: %w", out.ID, err)
	}
	return nil
}

// LatestOutcome returns the most recently finished outcome or ErrNotFound.
func (s *Store) LatestOutcome(ctx context.Context) (sequence.Outcome, error) {
	var row outcomeRow
	query := "select * from outcomes order by finished desc limit 1"
	if err := sqlscan.Get(ctx, s.db, &row, query); err != nil {
		if sqlscan.NotFound(err) {
			return sequence.Outcome{}, ErrNotFound
		}
		return sequence.Outcome{}, err
	}
	return row.outcome()
}

// ListOutcomes returns up to limit outcomes, newest first.
func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]sequence.Outcome, error) {
	var rows []outcomeRow
	query := "select * from outcomes order by finished desc limit $1"
	if err := sqlscan.Select(ctx, s.db, &rows, query, limit); err != nil {
		return nil, err
	}
	ret := make([]sequence.Outcome, 0, len(rows))
	for _, row := range rows {
		out, err := row.outcome()
		if err != nil {
			return nil, err
		}
		ret = append(ret, out)
	}
	return ret, nil
}
