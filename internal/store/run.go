package store

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/videoflow/conductor/internal/service"
)

// Run is a stored step launch.
type Run struct {
	ID       int64          `json:"id"`
	Step     string         `json:"step"`
	Status   service.Status `json:"status"`
	Auto     bool           `json:"auto"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Started  time.Time      `json:"started,omitzero"`
	Ended    time.Time      `json:"ended"`
	Message  string         `json:"message,omitempty"`
}

type runRow struct {
	RunID    int64   `db:"run_id"`
	Step     string  `db:"step"`
	Status   string  `db:"status"`
	Auto     bool    `db:"auto"`
	ExitCode *int64  `db:"exit_code"`
	Started  *string `db:"started"`
	Ended    string  `db:"ended"`
	Message  string  `db:"message"`
}

func (r runRow) run() (Run, error) {
	ret := Run{
		ID:      r.RunID,
		Step:    r.Step,
		Status:  service.Status(r.Status),
		Auto:    r.Auto,
		Message: r.Message,
	}
	if r.ExitCode != nil {
		code := int(*r.ExitCode)
		ret.ExitCode = &code
	}
	if r.Started != nil {
		started, err := parseTime(*r.Started)
		if err != nil {
			return Run{}, fmt.Errorf("run %d: started: %w", r.RunID, err)
		}
		ret.Started = started
	}
	ended, err := parseTime(r.Ended)
	if err != nil {
		return Run{}, fmt.Errorf("run %d: ended: %w", r.RunID, err)
	}
	ret.Ended = ended
	return ret, nil
}

// SaveRun implements service.RunRecorder.
func (s *Store) SaveRun(ctx context.Context, rec service.RunRecord) error {
	var started *string
	if !rec.Started.IsZero() {
		v := formatTime(rec.Started)
		started = &v
	}
	query := `insert into runs (
		step,
		status,
		auto,
		exit_code,
		started,
		ended,
		message
	)
	values ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(
		ctx, query,
		rec.Step,
		rec.Status,
		rec.Auto,
		rec.ExitCode,
		started,
		formatTime(rec.Ended),
		rec.Message,
	)
	if err != nil {
		return fmt.Errorf("saving run of %s: %w", rec.Step, err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. An empty step lists
// runs of all steps.
func (s *Store) ListRuns(ctx context.Context, step string, limit int) ([]Run, error) {
	var rows []runRow
	query := `select * from runs
	where $1 = '' or step = $2
	order by ended desc, run_id desc
	limit $3`
	if err := sqlscan.Select(ctx, s.db, &rows, query, step, step, limit); err != nil {
		return nil, err
	}
	ret := make([]Run, 0, len(rows))
	for _, row := range rows {
		r, err := row.run()
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}
