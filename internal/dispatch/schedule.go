package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/videoflow/conductor/internal/model"
)

// ScheduleAuto adds the automatic sequence job. Runs which overlap an
// active sequence are dropped by run itself. Call before Start.
func (d *Dispatcher) ScheduleAuto(ctx context.Context, auto model.Auto, run func(ctx context.Context)) error {
	var job gocron.JobDefinition
	switch {
	case auto.Cron != "":
		if _, err := model.ParseCron(auto.Cron); err != nil {
			return fmt.Errorf("parsing auto.cron: %w", err)
		}
		job = gocron.CronJob(auto.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", auto.Cron)
	case auto.Every != "":
		every, err := time.ParseDuration(auto.Every)
		if err != nil {
			return fmt.Errorf("parsing auto.every: %w", err)
		}
		job = gocron.DurationJob(every)
		slog.DebugContext(ctx, "successfully parsed", "every", every.String())
	default:
		return errors.New("both cron and every are empty")
	}

	j, err := d.scheduler.NewJob(
		job,
		gocron.NewTask(func() { run(ctx) }),
		gocron.WithName("auto-"+auto.Sequence),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.InfoContext(ctx, "automatic sequence scheduled", "sequence", auto.Sequence, "job_id", j.ID().String())
	return nil
}
