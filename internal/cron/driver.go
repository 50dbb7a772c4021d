// Package cron runs the delivery engine on a fixed cadence. It wires the
// four engine operations (scan, dispatch, retry, recovery) onto a robfig/cron
// scheduler, instruments every run with Prometheus, and recovers from panics
// so one bad run never kills the process.
//
// The cadences are configurable; the defaults mirror the operational shape of
// the system: scanning is cheap and idempotent so it runs often, dispatch runs
// every minute to hit the local send hour promptly, retries sweep on a slower
// loop, and recovery runs daily after midnight.
package cron

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-birthday-backend/internal/services"
)

var (
	// jobRuns counts completed job executions by job name and outcome.
	jobRuns = newJobRunsCounter()

	// jobDuration records job run duration in seconds by job name.
	jobDuration = newJobDurationHistogram()
)

// Job names used as metric labels and log fields.
const (
	jobScan    = "scan"
	jobProcess = "process"
	jobRetry   = "retry"
	jobRecover = "recover"
)

// runTimeout bounds a single job execution. A full directory scan or a
// recovery sweep over several days of backlog comfortably fits in this
// window against the embedded database.
const runTimeout = 5 * time.Minute

// Engine is the subset of the scheduling engine the driver invokes.
type Engine interface {
	// ScheduleAll scans the directory and schedules today's birthday messages.
	ScheduleAll(ctx context.Context) (services.ScheduleResult, error)
	// ProcessPending dispatches due pending messages past the send hour.
	ProcessPending(ctx context.Context) (services.DispatchResult, error)
	// RetryFailed re-attempts failed messages still under the retry budget.
	RetryFailed(ctx context.Context) (services.DispatchResult, error)
	// RecoverUnsent sweeps pending messages from the last daysBack days.
	RecoverUnsent(ctx context.Context, daysBack int) (services.DispatchResult, error)
}

// Specs holds the cron expressions (standard 5-field format) for each job.
type Specs struct {
	Scan    string
	Process string
	Retry   string
	Recover string
}

// Driver owns the cron scheduler and the registered jobs.
type Driver struct {
	engine       Engine
	recoveryDays int
	c            *cronlib.Cron
}

// New constructs a Driver and registers all four jobs with their cadences.
// It returns an error if any cron expression fails to parse.
func New(engine Engine, specs Specs, recoveryDays int) (*Driver, error) {
	d := &Driver{
		engine:       engine,
		recoveryDays: recoveryDays,
		c:            cronlib.New(),
	}

	entries := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{jobScan, specs.Scan, d.runScan},
		{jobProcess, specs.Process, d.runProcess},
		{jobRetry, specs.Retry, d.runRetry},
		{jobRecover, specs.Recover, d.runRecover},
	}
	for _, e := range entries {
		e := e
		if _, err := d.c.AddFunc(e.spec, func() { d.execute(e.name, e.run) }); err != nil {
			return nil, fmt.Errorf("register %s job (%q): %w", e.name, e.spec, err)
		}
	}
	return d, nil
}

// Start launches the scheduler in its own goroutine. It is a no-op to call
// Start on an already started driver.
func (d *Driver) Start() {
	d.c.Start()
	log.Info().Msg("cron driver started")
}

// Stop halts scheduling and waits for in-flight jobs to finish or the context
// to expire, whichever comes first.
func (d *Driver) Stop(ctx context.Context) {
	done := d.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("cron driver stop timed out; abandoning in-flight jobs")
	}
	log.Info().Msg("cron driver stopped")
}

// execute wraps a job run with a timeout, panic recovery, logging, and
// metrics. Scheduler entries must never panic the process.
func (d *Driver) execute(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	start := time.Now()
	outcome := "success"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			log.Error().Str("job", name).Interface("panic", r).Msg("cron job panicked")
		}
		dur := time.Since(start)
		jobRuns.WithLabelValues(name, outcome).Inc()
		jobDuration.WithLabelValues(name).Observe(dur.Seconds())
	}()

	log.Debug().Str("job", name).Msg("cron job start")
	if err := run(ctx); err != nil {
		outcome = "error"
		log.Error().Err(err).Str("job", name).Msg("cron job failed")
		return
	}
	log.Debug().Str("job", name).Dur("elapsed", time.Since(start)).Msg("cron job done")
}

func (d *Driver) runScan(ctx context.Context) error {
	res, err := d.engine.ScheduleAll(ctx)
	if err != nil {
		return err
	}
	if res.Scheduled > 0 || res.Errors > 0 {
		log.Info().
			Int("scheduled", res.Scheduled).
			Int("skipped", res.Skipped).
			Int("errors", res.Errors).
			Msg("birthday scan complete")
	}
	return nil
}

func (d *Driver) runProcess(ctx context.Context) error {
	res, err := d.engine.ProcessPending(ctx)
	if err != nil {
		return err
	}
	logDispatch("dispatch complete", res)
	return nil
}

func (d *Driver) runRetry(ctx context.Context) error {
	res, err := d.engine.RetryFailed(ctx)
	if err != nil {
		return err
	}
	logDispatch("retry sweep complete", res)
	return nil
}

func (d *Driver) runRecover(ctx context.Context) error {
	res, err := d.engine.RecoverUnsent(ctx, d.recoveryDays)
	if err != nil {
		return err
	}
	logDispatch("recovery sweep complete", res)
	return nil
}

// logDispatch reports dispatch counters, staying quiet for all-zero runs so
// the every-minute process job does not flood the logs.
func logDispatch(msg string, res services.DispatchResult) {
	if res.Sent == 0 && res.Invalidated == 0 && res.Failed == 0 {
		return
	}
	log.Info().
		Int("sent", res.Sent).
		Int("skipped", res.Skipped).
		Int("invalidated", res.Invalidated).
		Int("failed", res.Failed).
		Msg(msg)
}
